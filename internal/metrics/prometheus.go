package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all engine metrics.
type Registry struct {
	gatherer prometheus.Gatherer
	reg      prometheus.Registerer

	// Decision path
	Evaluations *prometheus.CounterVec

	// Control path
	Mutations         *prometheus.CounterVec
	ProxyReservations *prometheus.GaugeVec

	// Control API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec

	Uptime prometheus.Gauge
	start  time.Time
}

// Get returns the process-wide registry on the default Prometheus
// registerer, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return registry
}

// NewIsolated returns a registry backed by a fresh Prometheus registry.
// Tests and embedded engines use it to avoid duplicate registration.
func NewIsolated() *Registry {
	r := prometheus.NewRegistry()
	return New(r, r)
}

// New registers the engine metrics on reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Registry {
	f := promauto.With(reg)
	r := &Registry{gatherer: gatherer, reg: reg, start: time.Now()}

	r.Evaluations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_evaluations_total",
		Help: "Connection evaluations by verdict, matched rule and source table",
	}, []string{"verdict", "rule", "source"})

	r.Mutations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_mutations_total",
		Help: "Rule table mutations by table, operation and result",
	}, []string{"table", "op", "result"})

	r.ProxyReservations = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appwall_proxy_reservations",
		Help: "Rules currently referencing each proxy country code",
	}, []string{"cc"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appwall_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.Uptime = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_uptime_seconds",
		Help: "Seconds since the engine started",
	})

	return r
}

// RecordEvaluation counts one evaluate call.
func (r *Registry) RecordEvaluation(verdict, rule, source string) {
	r.Evaluations.WithLabelValues(verdict, rule, source).Inc()
}

// RecordMutation counts one mutation attempt.
func (r *Registry) RecordMutation(table, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Mutations.WithLabelValues(table, op, result).Inc()
}

// SetProxyReservations records the reference count for cc.
func (r *Registry) SetProxyReservations(cc string, n int) {
	if n == 0 {
		r.ProxyReservations.DeleteLabelValues(cc)
		return
	}
	r.ProxyReservations.WithLabelValues(cc).Set(float64(n))
}

// RecordAPIRequest records an API request.
func (r *Registry) RecordAPIRequest(method, path string, status int, duration float64) {
	r.APIRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.APILatency.WithLabelValues(method, path).Observe(duration)
}

// UpdateUptime refreshes the uptime gauge.
func (r *Registry) UpdateUptime() {
	r.Uptime.Set(time.Since(r.start).Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{Registry: r.reg})
}

// QueueSource reports write-behind queue state.
type QueueSource interface {
	Pending() int64
	Failed() uint64
}

// CacheSource reports results-cache counters.
type CacheSource interface {
	CacheCounters() (hits, misses uint64)
}

// WatchQueue exports the depth and failure count of a write-behind queue.
func (r *Registry) WatchQueue(q QueueSource) {
	f := promauto.With(r.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "appwall_persist_queue_depth",
		Help: "Write-behind tasks waiting to be applied",
	}, func() float64 { return float64(q.Pending()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "appwall_persist_errors_total",
		Help: "Write-behind tasks that failed",
	}, func() float64 { return float64(q.Failed()) })
}

// WatchCache exports hit and miss counters of the IP results cache.
func (r *Registry) WatchCache(c CacheSource) {
	f := promauto.With(r.reg)
	for _, result := range []string{"hit", "miss"} {
		result := result
		f.NewCounterFunc(prometheus.CounterOpts{
			Name:        "appwall_results_cache_total",
			Help:        "IP results cache lookups by result",
			ConstLabels: prometheus.Labels{"result": result},
		}, func() float64 {
			hits, misses := c.CacheCounters()
			if result == "hit" {
				return float64(hits)
			}
			return float64(misses)
		})
	}
}
