package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trustproof"

// Exporter publishes proof pipeline metrics in Prometheus format.
type Exporter struct {
	registry *prometheus.Registry

	proofsTotal      *prometheus.CounterVec
	proofDuration    *prometheus.HistogramVec
	stageDuration    *prometheus.HistogramVec
	queueDepth       prometheus.Gauge
	workers          *prometheus.GaugeVec
	scaleIntents     *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewExporter creates an Exporter backed by its own registry.
func NewExporter() *Exporter {
	e := &Exporter{registry: prometheus.NewRegistry()}

	e.proofsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "proof",
		Name:      "completed_total",
		Help:      "Completed proof generations by circuit and result.",
	}, []string{"circuit", "result"})

	e.proofDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proof",
		Name:      "duration_seconds",
		Help:      "End-to-end proof generation duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"circuit", "result"})

	e.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "proof",
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual proof generation stages.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	e.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of proof requests waiting in the queue.",
	})

	e.workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Registered workers by status.",
	}, []string{"status"})

	e.scaleIntents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "scale_intents_total",
		Help:      "Scale intents emitted for the external autoscaler.",
	}, []string{"direction"})

	e.recoveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "attempts_total",
		Help:      "Recovery strategy invocations by strategy and outcome.",
	}, []string{"strategy", "result"})

	e.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	e.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	e.registry.MustRegister(
		e.proofsTotal,
		e.proofDuration,
		e.stageDuration,
		e.queueDepth,
		e.workers,
		e.scaleIntents,
		e.recoveryAttempts,
		e.httpRequests,
		e.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Registry exposes the underlying registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveProof records a finished proof generation.
func (e *Exporter) ObserveProof(circuitType string, success bool, duration time.Duration) {
	result := resultLabel(success)
	e.proofsTotal.WithLabelValues(circuitType, result).Inc()
	e.proofDuration.WithLabelValues(circuitType, result).Observe(duration.Seconds())
}

// ObserveStage records the duration of a single stage.
func (e *Exporter) ObserveStage(stage string, duration time.Duration) {
	e.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetQueueDepth records the number of queued requests.
func (e *Exporter) SetQueueDepth(n int) {
	e.queueDepth.Set(float64(n))
}

// SetWorkers records the worker count per status.
func (e *Exporter) SetWorkers(idle, busy, offline int) {
	e.workers.WithLabelValues("idle").Set(float64(idle))
	e.workers.WithLabelValues("busy").Set(float64(busy))
	e.workers.WithLabelValues("offline").Set(float64(offline))
}

// ObserveScaleIntent counts a scale up or scale down intent.
func (e *Exporter) ObserveScaleIntent(direction string) {
	e.scaleIntents.WithLabelValues(direction).Inc()
}

// ObserveRecovery counts a recovery strategy invocation.
func (e *Exporter) ObserveRecovery(strategy string, success bool) {
	e.recoveryAttempts.WithLabelValues(strategy, resultLabel(success)).Inc()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (e *Exporter) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	e.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	e.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (e *Exporter) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

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
