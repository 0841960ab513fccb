package backend

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/pkg/metrics"
	"github.com/amoylab/fleetstate/pkg/trace"
)

// instrumented decorates a Backend with metrics and tracing spans
type instrumented struct {
	next    Backend
	kind    string
	metrics *metrics.Metrics
	tracer  *trace.Builder
}

var _ Backend = (*instrumented)(nil)

// Instrument wraps next so that every round trip is counted, timed and traced.
// Payloads dropped by a slow subscriber are counted as well. A nil m disables
// metrics only. Wrapping an instrumented backend again returns it unchanged.
func Instrument(next Backend, kind string, m *metrics.Metrics) Backend {
	if b, ok := next.(*instrumented); ok {
		return b
	}
	if r, ok := next.(dropReporter); ok && m != nil {
		r.setDropHandler(func(string) {
			m.EventDropped(cnst.EventBusBackend.String())
		})
	}
	return &instrumented{
		next:    next,
		kind:    kind,
		metrics: m,
		tracer:  trace.Tracer(cnst.TraceBackend),
	}
}

// Unwrap returns the decorated backend
func (b *instrumented) Unwrap() Backend {
	return b.next
}

func (b *instrumented) observe(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	scope := b.tracer.Start(ctx, cnst.SpanBackendPrefix+op).WithAttrs(
		attribute.String(cnst.AttrBackendType, b.kind),
		attribute.String(cnst.AttrBackendKey, key),
	)
	defer scope.End()

	err := fn(scope.Ctx)
	// A missing key is an answer, not a failure.
	failure := err
	if errors.Is(err, cnst.ErrNotFound) {
		failure = nil
	}
	scope.Fail(failure)
	b.metrics.BackendOpDone(b.kind, op, start, failure)
	return err
}

func (b *instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.observe(ctx, "set", key, func(ctx context.Context) error {
		return b.next.Set(ctx, key, value, ttl)
	})
}

func (b *instrumented) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := b.observe(ctx, "replace", key, func(ctx context.Context) error {
		var err error
		ok, err = b.next.Replace(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.observe(ctx, "get", key, func(ctx context.Context) error {
		var err error
		data, err = b.next.Get(ctx, key)
		return err
	})
	return data, err
}

func (b *instrumented) Delete(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.observe(ctx, "delete", key, func(ctx context.Context) error {
		var err error
		ok, err = b.next.Delete(ctx, key)
		return err
	})
	return ok, err
}

func (b *instrumented) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.observe(ctx, "exists", key, func(ctx context.Context) error {
		var err error
		ok, err = b.next.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (b *instrumented) AddToSet(ctx context.Context, key string, member string) error {
	return b.observe(ctx, "add_to_set", key, func(ctx context.Context) error {
		return b.next.AddToSet(ctx, key, member)
	})
}

func (b *instrumented) RemoveFromSet(ctx context.Context, key string, member string) error {
	return b.observe(ctx, "remove_from_set", key, func(ctx context.Context) error {
		return b.next.RemoveFromSet(ctx, key, member)
	})
}

func (b *instrumented) Members(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := b.observe(ctx, "members", key, func(ctx context.Context) error {
		var err error
		members, err = b.next.Members(ctx, key)
		return err
	})
	return members, err
}

func (b *instrumented) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.observe(ctx, "publish", channel, func(ctx context.Context) error {
		return b.next.Publish(ctx, channel, payload)
	})
}

// Subscribe is not wrapped in a span: the subscription outlives the call and the
// caller's ctx governs its lifetime.
func (b *instrumented) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	start := time.Now()
	sub, err := b.next.Subscribe(ctx, channel)
	b.metrics.BackendOpDone(b.kind, "subscribe", start, err)
	return sub, err
}

func (b *instrumented) Ping(ctx context.Context) error {
	return b.observe(ctx, "ping", "", b.next.Ping)
}

func (b *instrumented) Close() error {
	return b.next.Close()
}
