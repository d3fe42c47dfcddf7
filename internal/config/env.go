package config

import (
	"os"
	"strings"
)

// LookupBool reads a boolean environment variable. It accepts true/false,
// 1/0 and yes/no in any case; ok is false when the variable is unset, empty
// or unrecognised.
func LookupBool(key string) (value, ok bool) {
	switch strings.TrimSpace(strings.ToLower(os.Getenv(key))) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no":
		return false, true
	default:
		return false, false
	}
}

// Bool is LookupBool with a fallback for unset or unrecognised values.
func Bool(key string, defaultValue bool) bool {
	if v, ok := LookupBool(key); ok {
		return v
	}
	return defaultValue
}
