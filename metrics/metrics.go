// Package metrics exposes Prometheus counters for the passkey account backend
// and a standalone metrics HTTP server, kept off the API listener so scrapes
// never compete with authentication traffic.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerRequests counts cryptographic worker requests by message type and outcome.
	WorkerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passkey_worker_requests_total",
		Help: "Cryptographic worker requests by message type and outcome.",
	}, []string{"type", "outcome"})

	// Registrations counts registration attempts by final outcome.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passkey_registrations_total",
		Help: "Account registration attempts by outcome.",
	}, []string{"outcome"})

	// Recoveries counts recovery attempts by final outcome.
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passkey_recoveries_total",
		Help: "Account recovery attempts by outcome.",
	}, []string{"outcome"})

	// RollbackSteps counts executed registration rollback steps by step name and outcome.
	RollbackSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "passkey_rollback_steps_total",
		Help: "Registration rollback steps by step and outcome.",
	}, []string{"step", "outcome"})

	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "passkey_build_info",
		Help: "Build information.",
	}, []string{"service"})
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The service name is exposed
// as a constant label on the build info gauge.
func New(service, addr string) (*MetricsServer, error) {
	buildInfo.WithLabelValues(service).Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{Addr: addr, Handler: mux},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
