package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amoylab/fleetstate/internal/common/config"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// Metrics collects prometheus metrics for the state layer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	namespace  string
	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec
	opCnt      *prometheus.CounterVec
	opDur      *prometheus.HistogramVec
	pubCnt     *prometheus.CounterVec
	dropCnt    *prometheus.CounterVec
	subsActive *prometheus.GaugeVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	opCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "backend_ops_total"}, []string{"backend", "op", "status"})
	opDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "backend_op_duration_seconds", Buckets: buckets}, []string{"backend", "op"})
	r.MustRegister(opCnt, opDur)

	pubCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_published_total"}, []string{"bus", "status"})
	dropCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "events_dropped_total"}, []string{"bus"})
	subsActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "event_subscriptions_active"}, []string{"bus"})
	r.MustRegister(pubCnt, dropCnt, subsActive)

	return &Metrics{
		registry:   r,
		namespace:  ns,
		httpReqCnt: httpReqCnt,
		httpDur:    httpDur,
		httpInfl:   httpInfl,
		opCnt:      opCnt,
		opDur:      opDur,
		pubCnt:     pubCnt,
		dropCnt:    dropCnt,
		subsActive: subsActive,
	}
}

// BackendOpDone records one backend round trip
func (m *Metrics) BackendOpDone(backend, op string, since time.Time, err error) {
	if m == nil {
		return
	}
	m.opCnt.WithLabelValues(backend, op, status(err)).Inc()
	m.opDur.WithLabelValues(backend, op).Observe(time.Since(since).Seconds())
}

func (m *Metrics) EventPublished(bus string, err error) {
	if m == nil {
		return
	}
	m.pubCnt.WithLabelValues(bus, status(err)).Inc()
}

// EventDropped counts an event discarded because a subscriber buffer was full
func (m *Metrics) EventDropped(bus string) {
	if m == nil {
		return
	}
	m.dropCnt.WithLabelValues(bus).Inc()
}

func (m *Metrics) SubscriptionOpened(bus string) {
	if m == nil {
		return
	}
	m.subsActive.WithLabelValues(bus).Inc()
}

func (m *Metrics) SubscriptionClosed(bus string) {
	if m == nil {
		return
	}
	m.subsActive.WithLabelValues(bus).Dec()
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		code := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, code).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, code).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func status(err error) string {
	if err != nil {
		return statusError
	}
	return statusOK
}
