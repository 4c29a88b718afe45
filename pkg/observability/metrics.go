package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Broker metrics
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyReceiveTotal    *prometheus.CounterVec
	AssertionsIssued     prometheus.Counter
	AssertionBuildTime   prometheus.Histogram

	// Access-control metrics
	AccessDecisionsTotal *prometheus.CounterVec

	// Correlation store metrics
	PendingRequests     prometheus.Gauge
	CorrelationEvicted  prometheus.Counter
	CorrelationNotFound prometheus.Counter

	// Metadata resolver metrics
	MetadataFetchesTotal *prometheus.CounterVec
	MetadataCacheHits    prometheus.Counter
	MetadataCacheMisses  prometheus.Counter

	// Direct flow metrics
	LoginsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "samlproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ProxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_proxy_requests_total",
				Help: "Total number of ingested downstream authentication requests",
			},
			[]string{"status"},
		),
		ProxyReceiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_proxy_receive_total",
				Help: "Total number of upstream assertion callbacks, by outcome",
			},
			[]string{"outcome"},
		),
		AssertionsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "samlproxy_assertions_issued_total",
				Help: "Total number of downstream assertions issued",
			},
		),
		AssertionBuildTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "samlproxy_assertion_build_duration_seconds",
				Help:    "Time spent building and signing downstream assertions",
				Buckets: prometheus.DefBuckets,
			},
		),

		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_access_decisions_total",
				Help: "Total number of access-control decisions, by result and failing stage",
			},
			[]string{"result", "stage"},
		),

		PendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "samlproxy_pending_requests",
				Help: "Number of pending correlation entries",
			},
		),
		CorrelationEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "samlproxy_correlation_evicted_total",
				Help: "Total number of expired correlation entries evicted",
			},
		),
		CorrelationNotFound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "samlproxy_correlation_not_found_total",
				Help: "Total number of upstream callbacks with no matching pending request",
			},
		),

		MetadataFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_metadata_fetches_total",
				Help: "Total number of IdP metadata resolutions, by source and status",
			},
			[]string{"source", "status"},
		),
		MetadataCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "samlproxy_metadata_cache_hits_total",
				Help: "Total number of metadata cache hits",
			},
		),
		MetadataCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "samlproxy_metadata_cache_misses_total",
				Help: "Total number of metadata cache misses",
			},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "samlproxy_logins_total",
				Help: "Total number of direct (non-proxied) login completions, by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProxyRequestsTotal,
		m.ProxyReceiveTotal,
		m.AssertionsIssued,
		m.AssertionBuildTime,
		m.AccessDecisionsTotal,
		m.PendingRequests,
		m.CorrelationEvicted,
		m.CorrelationNotFound,
		m.MetadataFetchesTotal,
		m.MetadataCacheHits,
		m.MetadataCacheMisses,
		m.LoginsTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics from registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware instruments an HTTP handler with request count and
// duration metrics. The path label uses the registered route template,
// not the raw URL, to keep cardinality bounded.
func (m *Metrics) HTTPMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if routeName != nil {
				if name := routeName(r); name != "" {
					path = name
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
