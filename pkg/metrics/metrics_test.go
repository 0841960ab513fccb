package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/amoylab/fleetstate/internal/common/config"
)

func TestMetrics_BackendOps(t *testing.T) {
	m := New(config.MetricsConfig{Namespace: "test"})

	m.BackendOpDone("memory", "get", time.Now(), nil)
	m.BackendOpDone("memory", "get", time.Now(), nil)
	m.BackendOpDone("redis", "set", time.Now(), errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.opCnt.WithLabelValues("memory", "get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.opCnt.WithLabelValues("redis", "set", "error")))
}

func TestMetrics_EventBus(t *testing.T) {
	m := New(config.MetricsConfig{Namespace: "test"})

	m.EventPublished("backend", nil)
	m.EventDropped("backend")
	m.SubscriptionOpened("backend")
	m.SubscriptionOpened("backend")
	m.SubscriptionClosed("backend")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.pubCnt.WithLabelValues("backend", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropCnt.WithLabelValues("backend")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subsActive.WithLabelValues("backend")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.BackendOpDone("memory", "get", time.Now(), nil)
		m.EventPublished("nats", nil)
		m.EventDropped("nats")
		m.SubscriptionOpened("nats")
		m.SubscriptionClosed("nats")
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New(config.MetricsConfig{Namespace: "test"})

	r := gin.New()
	r.Use(m.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpReqCnt.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}
