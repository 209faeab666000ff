package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("difflsp.metrics")

var (
	// Labels: language, result (ok, failed)
	BackendStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "difflsp",
		Subsystem: "backend",
		Name:      "starts_total",
		Help:      "Backend language server start attempts",
	}, []string{"language", "result"})

	// Labels: method, language, outcome (ok, empty, no_diff, no_mapping,
	// no_backend, timeout, error)
	ProxiedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "difflsp",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Position requests handled by the proxy",
	}, []string{"method", "language", "outcome"})

	// Labels: method, language
	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "difflsp",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Round trip time of requests forwarded to backends",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "language"})

	// Labels: dialect
	DiffsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "difflsp",
		Subsystem: "diff",
		Name:      "parsed_total",
		Help:      "Diff buffers parsed",
	}, []string{"dialect"})

	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "difflsp",
		Subsystem: "diff",
		Name:      "parse_failures_total",
		Help:      "Diff buffers that could not be parsed",
	})

	OpenDiffs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "difflsp",
		Subsystem: "diff",
		Name:      "open",
		Help:      "Diff buffers currently cached",
	})

	// Labels: task, result (ok, failed)
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "difflsp",
		Subsystem: "scheduler",
		Name:      "tasks_total",
		Help:      "Background tasks run",
	}, []string{"task", "result"})
)

// Observe records one forwarded request.
func Observe(method, language, outcome string, elapsed time.Duration) {
	ProxiedRequests.WithLabelValues(method, language, outcome).Inc()
	if elapsed > 0 {
		RequestLatency.WithLabelValues(method, language).Observe(elapsed.Seconds())
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("metrics listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
