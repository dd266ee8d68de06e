// Package metrics exposes run loop activity as Prometheus collectors fed
// from the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalnine/benchloop/internal/events"
	"github.com/signalnine/benchloop/internal/work"
)

const namespace = "benchloop"

type Recorder struct {
	reg *prometheus.Registry

	RunsStarted      prometheus.Counter
	RunsActive       prometheus.Gauge
	RunsCompleted    *prometheus.CounterVec
	Cycles           prometheus.Counter
	CostUSD          prometheus.Counter
	Iterations       *prometheus.CounterVec
	MaxReached       *prometheus.CounterVec
	Approvals        prometheus.Counter
	Reviews          *prometheus.CounterVec
	VerifierDuration *prometheus.HistogramVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers every collector on a private registry so tests and multiple
// managers never collide on the global one.
func New() *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_started_total",
			Help: "Benchmark runs started.",
		}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_active",
			Help: "Benchmark runs currently in progress.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_completed_total",
			Help: "Benchmark runs finished, by terminal status.",
		}, []string{"status"}),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Execution cycles completed across all runs.",
		}),
		CostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cost_usd_total",
			Help: "Agent spend in USD across all runs.",
		}),
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "iterations_total",
			Help: "Verification iterations recorded, by outcome.",
		}, []string{"status"}),
		MaxReached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "max_iterations_reached_total",
			Help: "Units that exhausted their iteration budget, by on-max policy.",
		}, []string{"on_max"}),
		Approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "approvals_required_total",
			Help: "Units paused for human approval.",
		}),
		Reviews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reviews_total",
			Help: "Review gate verdicts, by decision and whether the heuristic was used.",
		}, []string{"decision", "heuristic"}),
		VerifierDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "verifier_duration_seconds",
			Help:    "Acceptance criterion verifier runtime.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"kind", "result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency on the status server.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	r.reg.MustRegister(
		r.RunsStarted, r.RunsActive, r.RunsCompleted, r.Cycles, r.CostUSD,
		r.Iterations, r.MaxReached, r.Approvals, r.Reviews,
		r.VerifierDuration, r.HTTPDuration,
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveVerifier matches validation.WithObserver.
func (r *Recorder) ObserveVerifier(kind work.Kind, passed bool, d time.Duration) {
	result := "fail"
	if passed {
		result = "pass"
	}
	r.VerifierDuration.WithLabelValues(string(kind), result).Observe(d.Seconds())
}

// Observe updates collectors for a single event. Unknown types are ignored.
func (r *Recorder) Observe(ev events.Event) {
	switch ev.Type {
	case events.RunStarted:
		r.RunsStarted.Inc()
		r.RunsActive.Inc()
	case events.RunCompleted:
		r.RunsActive.Dec()
		if p, ok := ev.Payload.(events.RunCompletedPayload); ok {
			r.RunsCompleted.WithLabelValues(p.Status).Inc()
		}
	case events.CycleCompleted:
		r.Cycles.Inc()
		if p, ok := ev.Payload.(events.CyclePayload); ok && p.CostUSD > 0 {
			r.CostUSD.Add(p.CostUSD)
		}
	case events.IterationRecorded:
		if p, ok := ev.Payload.(events.IterationPayload); ok {
			r.Iterations.WithLabelValues(p.Status).Inc()
		}
	case events.MaxIterationsReached:
		if p, ok := ev.Payload.(events.MaxIterationsPayload); ok {
			r.MaxReached.WithLabelValues(p.OnMax).Inc()
		}
	case events.ApprovalRequired:
		r.Approvals.Inc()
	case events.ReviewCompleted:
		if p, ok := ev.Payload.(events.ReviewPayload); ok {
			r.Reviews.WithLabelValues(p.Decision, strconv.FormatBool(p.Heuristic)).Inc()
		}
	}
}

// Consume feeds every bus event into Observe until ctx is done or the bus
// closes.
func (r *Recorder) Consume(ctx context.Context, bus events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(ev)
		}
	}
}

// Middleware records request latency for the status server.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, req)
		r.HTTPDuration.WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(rw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
