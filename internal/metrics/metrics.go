// Package metrics wraps the process-wide Prometheus registry with the
// same acquire/refcount/release lifecycle as the teacher's metrics.go,
// so that multiple daemon components (four proxy servers plus the admin
// server) can share one registration without double-registering
// collectors or leaking them across a daemon restart within the same
// process (as in tests).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector exported by this daemon, matching the
// ServerStats fields of §3 plus the proxy-level queue time of §4.4.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	requestDur    *prometheus.HistogramVec
	healthScore   *prometheus.GaugeVec
	respTimeMs    *prometheus.GaugeVec
	rateLimit     *prometheus.CounterVec
	queueTimeMs   *prometheus.GaugeVec
}

// New constructs a fresh, unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcproxyd",
			Name:      "requests_total",
			Help:      "Total number of user requests by network, alias, and outcome.",
		}, []string{"network", "alias", "outcome"}),
		requestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rpcproxyd",
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of a forwarded request, arrival to disposition.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"network"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcproxyd",
			Name:      "health_score",
			Help:      "Current signed health score of a target server, range [-100, 100].",
		}, []string{"network", "alias"}),
		respTimeMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcproxyd",
			Name:      "resp_time_ms",
			Help:      "Rolling average health-probe response time in milliseconds.",
		}, []string{"network", "alias"}),
		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rpcproxyd",
			Name:      "rate_limit_events_total",
			Help:      "Rate-limiter skip and block events by target server.",
		}, []string{"network", "alias", "event"}),
		queueTimeMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rpcproxyd",
			Name:      "avg_queue_time_ms",
			Help:      "Average end-to-end queue time per InputPort.",
		}, []string{"network"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requestsTotal,
		m.requestDur,
		m.healthScore,
		m.respTimeMs,
		m.rateLimit,
		m.queueTimeMs,
	}
}

func (m *Metrics) registerWith(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) unregisterFrom(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

// ObserveRequest records the outcome of one completed user request.
func (m *Metrics) ObserveRequest(network, alias, outcome string) {
	m.requestsTotal.WithLabelValues(network, alias, outcome).Inc()
}

// ObserveRequestDuration records one request's end-to-end latency.
func (m *Metrics) ObserveRequestDuration(network string, seconds float64) {
	m.requestDur.WithLabelValues(network).Observe(seconds)
}

// SetHealthScore publishes a server's current health score.
func (m *Metrics) SetHealthScore(network, alias string, score float64) {
	m.healthScore.WithLabelValues(network, alias).Set(score)
}

// SetRespTimeMs publishes a server's current rolling response time.
func (m *Metrics) SetRespTimeMs(network, alias string, ms float64) {
	m.respTimeMs.WithLabelValues(network, alias).Set(ms)
}

// ObserveRateLimitEvent records a skip or a block event for one server.
func (m *Metrics) ObserveRateLimitEvent(network, alias, event string) {
	m.rateLimit.WithLabelValues(network, alias, event).Inc()
}

// SetQueueTimeMs publishes an InputPort's current average queue time.
func (m *Metrics) SetQueueTimeMs(network string, ms float64) {
	m.queueTimeMs.WithLabelValues(network).Set(ms)
}

var (
	globalMu         sync.Mutex
	global           *Metrics
	globalRefs       int
	globalRegisterer prometheus.Registerer
)

// Acquire returns a process-wide Metrics instance registered with reg
// (prometheus.DefaultRegisterer if nil). Every caller must pair this
// with Release when it no longer needs the metrics, exactly mirroring
// the teacher's acquireGlobalMetrics/releaseGlobalMetrics pair.
func Acquire(reg prometheus.Registerer) (*Metrics, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	if global == nil || globalRegisterer != reg {
		m := New()
		if err := m.registerWith(reg); err != nil {
			return nil, err
		}
		global = m
		globalRegisterer = reg
	}

	globalRefs++
	return global, nil
}

// Release decrements the reference count and unregisters every
// collector once the last caller has released it.
func Release() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalRefs == 0 {
		return
	}
	globalRefs--
	if globalRefs == 0 && global != nil {
		global.unregisterFrom(globalRegisterer)
		global = nil
		globalRegisterer = nil
	}
}
