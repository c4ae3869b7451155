package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	WorkerUptime = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_uptime_seconds",
			Help: "Seconds since the worker process started",
		},
	)
	ProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_processed_total",
			Help: "Total number of step.ready messages processed successfully",
		},
	)
	ErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_errors_total",
			Help: "Total number of step.ready messages that failed",
		},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_in_flight",
			Help: "Messages currently being processed by this worker",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_queue_depth",
			Help: "Pending jobs per topic as seen at the last probe",
		},
		[]string{"topic"},
	)
	OutboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Outbox rows not yet delivered to the queue",
		},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steps_total",
			Help: "Total step executions by terminal status",
		},
		[]string{"status"},
	)
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tool", "status"},
	)
)

// InitMetrics registers every collector once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WorkerUptime)
	prometheus.MustRegister(ProcessedTotal)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(InFlight)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(OutboxBacklog)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(StepDuration)
}

// StartUptimeTicker bumps worker_uptime_seconds once per second until the
// returned stop func is called.
func StartUptimeTicker() (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				WorkerUptime.Inc()
			}
		}
	}()
	return func() { close(done) }
}

// ObserveStep records the duration and terminal status of one step execution.
func ObserveStep(tool, status string, dur time.Duration) {
	StepsTotal.WithLabelValues(status).Inc()
	StepDuration.WithLabelValues(tool, status).Observe(dur.Seconds())
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
