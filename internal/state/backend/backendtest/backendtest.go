// Package backendtest runs state components against every backend kind in tests.
package backendtest

import (
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/state/backend"
)

// Harness is a live backend plus a way to move its clock forward
type Harness struct {
	Name    string
	Backend backend.Backend
	Advance func(time.Duration)
}

// Clock is a manually driven time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Now()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Memory returns a harness over a MemoryBackend closed at the end of the test
func Memory(t testing.TB) Harness {
	t.Helper()
	clock := NewClock()
	b := backend.NewMemoryBackend(zap.NewNop(), 16).WithClock(clock.Now)
	t.Cleanup(func() { _ = b.Close() })
	return Harness{Name: "memory", Backend: b, Advance: clock.Advance}
}

// Redis returns a harness over a RedisBackend talking to an in-process miniredis
func Redis(t testing.TB) Harness {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := backend.NewRedisBackendWithClient(zap.NewNop(), client, 16)
	t.Cleanup(func() { _ = b.Close() })
	return Harness{Name: "redis", Backend: b, Advance: mr.FastForward}
}

// ForEach runs fn once per backend kind as a subtest
func ForEach(t *testing.T, fn func(t *testing.T, h Harness)) {
	t.Helper()
	for _, mk := range []func(testing.TB) Harness{Memory, Redis} {
		h := mk(t)
		t.Run(h.Name, func(t *testing.T) {
			fn(t, h)
		})
	}
}
