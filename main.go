package main

import (
	"os"

	"asyncmail/internal/audit"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		audit.Logger().Error("asyncmail failed", "err", err)
		os.Exit(1)
	}
}
