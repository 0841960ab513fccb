package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/server/handler"
	"github.com/amoylab/fleetstate/internal/state"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/internal/state/widget"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, cfg *config.StateConfig) (*Server, *state.Context, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(config.MetricsConfig{Enabled: true, Namespace: "test"})
	sc, err := state.New(context.Background(), zap.NewNop(), cfg, state.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })
	return NewServer(zap.NewNop(), config.ServerConfig{Addr: "127.0.0.1:0"}, sc, m), sc, m
}

func do(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestServer_Health(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{WorkerID: "worker-a"})

	w := do(t, s, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "worker-a", body["worker_id"])

	w = do(t, s, "/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "fleetstate", body["name"])
	assert.Equal(t, false, body["deploy_mode"])

	require.NoError(t, sc.Close())
	w = do(t, s, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Widgets(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{WorkerID: "worker-a"})
	ctx := context.Background()

	require.NoError(t, sc.Widgets().Register(ctx, "w2", "<p>two</p>"))
	require.NoError(t, sc.Widgets().Register(ctx, "w1", "<p>one</p>"))

	w := do(t, s, "/widgets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, []any{"w1", "w2"}, body["widgets"])
	assert.Equal(t, float64(2), body["count"])

	w = do(t, s, "/widgets/w1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<p>one</p>", w.Body.String())
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))

	w = do(t, s, "/widgets/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_CorruptWidgetIsNotFound(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{})
	ctx := context.Background()
	keys := backend.NewKeyspace(config.DefaultKeyPrefix)

	for _, raw := range []string{`[1,2,3]`, `"just a string"`, `{"widget_id":"bad","html":123}`} {
		require.NoError(t, sc.Backend().Set(ctx, keys.Widget("bad"), []byte(raw), time.Hour))
		w := do(t, s, "/widgets/bad", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, raw)
	}
}

func TestServer_OwnerAndWorkerConnections(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{WorkerID: "worker-a"})
	ctx := context.Background()

	w := do(t, s, "/widgets/w1/owner", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, sc.Connections().Register(ctx, "w1", "worker-b"))
	w = do(t, s, "/widgets/w1/owner", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "worker-b", decode(t, w)["worker_id"])

	w = do(t, s, "/workers/worker-b/connections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "worker-b", body["worker_id"])
	assert.Equal(t, []any{"w1"}, body["widgets"])
}

func TestServer_VerifyPlainToken(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{})
	ctx := context.Background()
	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x", widget.WithToken("secret-token")))

	w := do(t, s, "/widgets/w1/verify", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, "/widgets/w1/verify", map[string]string{handler.WidgetTokenHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, "/widgets/w1/verify", map[string]string{handler.WidgetTokenHeader: "secret-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])
}

func TestServer_VerifySignedToken(t *testing.T) {
	s, sc, _ := newTestServer(t, &config.StateConfig{
		WorkerID: "worker-a",
		Token:    config.TokenConfig{SecretKey: testSecret},
	})
	ctx := context.Background()
	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x"))
	require.NoError(t, sc.Widgets().Register(ctx, "w2", "y"))

	token, ok, err := sc.Widgets().GetToken(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	w := do(t, s, "/widgets/w1/verify", map[string]string{handler.WidgetTokenHeader: token})
	assert.Equal(t, http.StatusOK, w.Code)

	// a token minted for another widget is rejected before the store is read
	w = do(t, s, "/widgets/w2/verify", map[string]string{handler.WidgetTokenHeader: token})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// a validly signed token that is no longer the stored one is rejected too
	fresh, err := sc.Tokens().GenerateToken("w1", "worker-a")
	require.NoError(t, err)
	require.NotEqual(t, token, fresh)
	w = do(t, s, "/widgets/w1/verify", map[string]string{handler.WidgetTokenHeader: fresh})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, _, m := newTestServer(t, &config.StateConfig{})

	do(t, s, "/widgets", nil)
	w := do(t, s, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
