// Package health serves liveness and counter endpoints for the worker.
package health

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"asyncmail/internal/audit"
	"asyncmail/internal/metrics"
)

// Route mounts an extra handler next to the health endpoints.
type Route struct {
	Pattern string
	Handler http.Handler
}

// StartHealthServer listens on addr and serves /healthz, /metrics and any
// extra routes in the background. The caller owns shutdown of both returned
// values.
func StartHealthServer(addr string, routes ...Route) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("health listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(metrics.Snapshot()); err != nil {
			audit.Logger().Warn("encode metrics", "err", err)
		}
	})

	for _, r := range routes {
		mux.Handle(r.Pattern, r.Handler)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			audit.Logger().Error("health server stopped", "err", err)
		}
	}()
	return srv, ln, nil
}
