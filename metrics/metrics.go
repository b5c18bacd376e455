// Package metrics exposes the Prometheus-format metrics endpoint and the
// counters recorded by the feed server.
package metrics

import (
	"context"
	"net/http"

	vmmetrics "github.com/VictoriaMetrics/metrics"
)

var (
	// FeedRequestsServed counts successfully served feed documents.
	FeedRequestsServed = vmmetrics.NewCounter("vaultlink_feed_requests_served_total")

	// FeedRequestErrors counts feed requests that failed to load the
	// feed file.
	FeedRequestErrors = vmmetrics.NewCounter("vaultlink_feed_request_errors_total")
)

// MetricsServer serves the metrics endpoint on its own listener, separate
// from the API listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. An empty addr yields a
// no-op server whose ListenAndServe returns immediately.
func New(addr string) (*MetricsServer, error) {
	m := &MetricsServer{}
	if addr == "" {
		return m, nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmmetrics.WritePrometheus(w, true)
	})
	m.srv = &http.Server{Addr: addr, Handler: mux}
	return m, nil
}

func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
