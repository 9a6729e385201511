package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObservabilityConfig controls request metrics and logging.
type ObservabilityConfig struct {
	ServiceName string
	LogRequests bool
}

// Observability instruments HTTP traffic with request counters, latency
// histograms, and optional structured request logs.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var (
	httpMetricsOnce sync.Once
	httpRequests    *prometheus.CounterVec
	httpDurations   *prometheus.HistogramVec
)

// NewObservability builds the shared HTTP instrumentation. Metrics register on
// the default registry alongside the ledger metrics so one scrape endpoint
// covers the whole process.
func NewObservability(cfg ObservabilityConfig, logger *slog.Logger) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "epochpay-gateway"
	}
	httpMetricsOnce.Do(func() {
		httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed by the gateway.",
		}, []string{"route", "method", "status"})
		httpDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"})
		prometheus.MustRegister(httpRequests, httpDurations)
	})
	return &Observability{
		cfg:       cfg,
		logger:    logger,
		requests:  httpRequests,
		durations: httpDurations,
	}
}

// Middleware records one counter increment and latency sample per request.
func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			duration := time.Since(start)
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration.Seconds())
			if o.cfg.LogRequests {
				o.logger.Info("http request",
					"service", o.cfg.ServiceName,
					"route", route,
					"method", r.Method,
					"path", r.URL.Path,
					"status", recorder.status,
					"duration_ms", duration.Milliseconds(),
				)
			}
		})
	}
}

// MetricsHandler serves the default prometheus registry.
func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
