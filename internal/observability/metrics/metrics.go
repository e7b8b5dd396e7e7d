package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	factory = promauto.With(registry)

	// HTTP metrics
	httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"handler", "method", "code"},
	)

	httpErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		},
		[]string{"handler", "method"},
	)

	httpDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escrow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"handler", "method"},
	)

	// Settlement metrics
	settlements = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_settlement_operations_total",
			Help: "Escrow engine operations by outcome (ok or error code).",
		},
		[]string{"operation", "outcome"},
	)

	payouts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_payout_amount_total",
			Help: "Value moved out of escrow or to creators, in the smallest unit.",
		},
		[]string{"kind"},
	)

	// Submission pipeline metrics
	submissions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_submissions_total",
			Help: "Submitted transactions by kind and final status.",
		},
		[]string{"kind", "status"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSettlement records one engine operation; outcome is "ok" or an error code.
func ObserveSettlement(operation, outcome string) {
	settlements.WithLabelValues(operation, outcome).Inc()
}

// ObservePayout adds amount to the payout counter of the given kind.
func ObservePayout(kind string, amount uint64) {
	if amount == 0 {
		return
	}
	payouts.WithLabelValues(kind).Add(float64(amount))
}

// ObserveSubmission records a submission reaching a status.
func ObserveSubmission(kind, status string) {
	submissions.WithLabelValues(kind, status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
