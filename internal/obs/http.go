// Copyright 2025 James Ross
package obs

import (
	"net/http"

	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartMetricsServer exposes /metrics on addr. The queue's own liveness and
// readiness endpoints live in internal/httpapi alongside the task ingress,
// since readiness here means "the store responds", not "the process is up" —
// a distinction the ingress already has to make for GET /ready.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
