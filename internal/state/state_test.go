package state

import (
	"context"
	"regexp"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/state/backend/backendtest"
	"github.com/amoylab/fleetstate/internal/state/eventbus"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

func newWorker(t *testing.T, addr, workerID string) *Context {
	t.Helper()
	cfg := &config.StateConfig{
		Mode:     string(cnst.ModeDeploy),
		WorkerID: workerID,
		Backend: config.BackendConfig{
			Type:      string(cnst.BackendRedis),
			KeyPrefix: "scenario",
			Redis:     config.RedisConfig{Addr: addr},
		},
		RBAC: map[string][]string{
			"admin":  {"read", "write", "delete"},
			"viewer": {"read"},
		},
	}
	sc, err := New(context.Background(), zap.NewNop(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sc.Close() })
	return sc
}

func TestContext_EmbeddedDefaults(t *testing.T) {
	sc, err := New(context.Background(), zap.NewNop(), &config.StateConfig{})
	require.NoError(t, err)
	defer sc.Close()

	assert.False(t, sc.IsDeployMode())
	assert.Regexp(t, regexp.MustCompile(`^.+-[0-9a-f]{8}$`), sc.WorkerID())
	assert.Equal(t, sc.WorkerID(), sc.WorkerID())
	assert.NotNil(t, sc.Widgets())
	assert.NotNil(t, sc.Connections())
	assert.NotNil(t, sc.Sessions())
	assert.IsType(t, &eventbus.BackendBus{}, sc.Events())
	assert.Nil(t, sc.Sweeper())
	assert.NoError(t, sc.Ping(context.Background()))

	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
	assert.Error(t, sc.Ping(context.Background()))
}

func TestContext_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), zap.NewNop(), &config.StateConfig{Backend: config.BackendConfig{Type: "etcd"}})
	assert.ErrorIs(t, err, cnst.ErrUnsupportedBackend)

	_, err = New(context.Background(), zap.NewNop(), &config.StateConfig{Backend: config.BackendConfig{
		Type:  "redis",
		Redis: config.RedisConfig{Addr: "127.0.0.1:1"},
	}})
	assert.ErrorIs(t, err, cnst.ErrBackendUnavailable)
}

func TestContext_RedisIsDeployMode(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &config.StateConfig{Backend: config.BackendConfig{Type: "redis", Redis: config.RedisConfig{Addr: mr.Addr()}}}

	sc, err := New(context.Background(), zap.NewNop(), cfg, WithMetrics(metrics.New(config.MetricsConfig{Namespace: "t"})))
	require.NoError(t, err)
	defer sc.Close()
	assert.True(t, sc.IsDeployMode())
}

func TestContext_TwoWorkerScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	workerA := newWorker(t, mr.Addr(), "worker-A")
	workerB := newWorker(t, mr.Addr(), "worker-B")
	assert.True(t, workerA.IsDeployMode())

	// worker A creates the widget, any worker can serve its content
	require.NoError(t, workerA.Widgets().Register(ctx, "w1", "<p>v1</p>"))
	html, ok, err := workerB.Widgets().GetHTML(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<p>v1</p>", html)

	// ownership is last-writer-wins
	require.NoError(t, workerB.Connections().Register(ctx, "w1", "worker-B"))
	owner, _, err := workerA.Connections().Owner(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "worker-B", owner)

	require.NoError(t, workerA.Connections().Register(ctx, "w1", "worker-A"))
	owner, _, err = workerB.Connections().Owner(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "worker-A", owner)

	// the seed is shared by both workers
	_, err = workerA.Sessions().Create(ctx, "s1", "u1", []string{"viewer"}, nil)
	require.NoError(t, err)
	assert.True(t, workerB.Sessions().CheckPermission(ctx, "s1", "widget", "w1", "read"))
	assert.False(t, workerB.Sessions().CheckPermission(ctx, "s1", "widget", "w1", "write"))

	// an event raised on worker A reaches worker B
	sub, err := workerB.Events().Subscribe(ctx, "widget-events")
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, workerA.Events().Publish(ctx, "widget-events", &eventbus.Message{
		EventType: "click",
		WidgetID:  "w1",
	}))
	select {
	case msg := <-sub.Events():
		assert.Equal(t, "worker-A", msg.SourceWorkerID)
		assert.Equal(t, "w1", msg.WidgetID)
	case <-time.After(2 * time.Second):
		t.Fatal("event did not cross workers")
	}
}

func TestContext_KeyPrefixIsolation(t *testing.T) {
	h := backendtest.Memory(t)
	ctx := context.Background()

	tenantA, err := New(ctx, zap.NewNop(), &config.StateConfig{Backend: config.BackendConfig{KeyPrefix: "a"}}, WithBackend(h.Backend))
	require.NoError(t, err)
	tenantB, err := New(ctx, zap.NewNop(), &config.StateConfig{Backend: config.BackendConfig{KeyPrefix: "b"}}, WithBackend(h.Backend))
	require.NoError(t, err)

	require.NoError(t, tenantA.Widgets().Register(ctx, "w1", "x"))
	ok, err := tenantB.Widgets().Exists(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContext_InjectedBackendIsInstrumented(t *testing.T) {
	h := backendtest.Memory(t)
	ctx := context.Background()
	m := metrics.New(config.MetricsConfig{Namespace: "injected"})

	sc, err := New(ctx, zap.NewNop(), &config.StateConfig{}, WithBackend(h.Backend), WithMetrics(m))
	require.NoError(t, err)
	defer sc.Close()
	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x"))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sets float64
	for _, mf := range families {
		if mf.GetName() != "injected_backend_ops_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "op" && lp.GetValue() == "set" {
					sets += metric.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Greater(t, sets, 0.0)
}

func TestContext_Sweeper(t *testing.T) {
	ctx := context.Background()
	cfg := &config.StateConfig{
		TTL:           config.TTLConfig{Widget: 20 * time.Millisecond},
		SweepInterval: 10 * time.Millisecond,
	}
	sc, err := New(ctx, zap.NewNop(), cfg)
	require.NoError(t, err)
	defer sc.Close()

	require.NotNil(t, sc.Sweeper())
	assert.True(t, sc.Sweeper().IsRunning())

	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x"))
	require.Eventually(t, func() bool {
		n, err := sc.Widgets().Count(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sc.Close())
	assert.False(t, sc.Sweeper().IsRunning())
}

func TestSweeper_SweepOnce(t *testing.T) {
	h := backendtest.Memory(t)
	ctx := context.Background()
	sc, err := New(ctx, zap.NewNop(), &config.StateConfig{TTL: config.TTLConfig{Widget: time.Second}}, WithBackend(h.Backend))
	require.NoError(t, err)
	defer sc.Close()

	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x"))
	require.NoError(t, sc.Widgets().Register(ctx, "w2", "y"))
	_, err = sc.Widgets().Delete(ctx, "w2")
	require.NoError(t, err)
	h.Advance(2 * time.Second)

	sweeper := NewSweeper(zap.NewNop(), sc.Widgets(), sc.Backend(), time.Minute)
	assert.Equal(t, 1, sweeper.SweepOnce(ctx))
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	sweeper.Stop()
}

func TestGenerateWorkerID(t *testing.T) {
	a := GenerateWorkerID()
	b := GenerateWorkerID()
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `-[0-9a-f]{8}$`, a)
}

func TestContext_WidgetTokens(t *testing.T) {
	ctx := context.Background()
	cfg := &config.StateConfig{
		WorkerID: "worker-a",
		Token:    config.TokenConfig{SecretKey: "0123456789abcdef0123456789abcdef"},
	}
	sc, err := New(ctx, zap.NewNop(), cfg)
	require.NoError(t, err)
	defer sc.Close()
	require.NotNil(t, sc.Tokens())

	require.NoError(t, sc.Widgets().Register(ctx, "w1", "x"))
	token, ok, err := sc.Widgets().GetToken(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)

	claims, err := sc.Tokens().ValidateWidgetToken(token, "w1")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", claims.WorkerID)

	_, err = New(ctx, zap.NewNop(), &config.StateConfig{Token: config.TokenConfig{SecretKey: "short"}})
	assert.Error(t, err)
}
