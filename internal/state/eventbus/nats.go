package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/pkg/metrics"
	"github.com/amoylab/fleetstate/pkg/trace"
)

// NATSBus carries events over NATS subjects. It lets the event fan-out scale
// independently of the state backend.
type NATSBus struct {
	logger     *zap.Logger
	conn       *nats.Conn
	keys       backend.Keyspace
	workerID   string
	bufferSize int
	metrics    *metrics.Metrics
	tracer     *trace.Builder

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

var _ Bus = (*NATSBus)(nil)

// NewNATSBus connects to url with automatic reconnection
func NewNATSBus(logger *zap.Logger, url string, keys backend.Keyspace, workerID string, bufferSize int, m *metrics.Metrics, opts ...nats.Option) (*NATSBus, error) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	logger = logger.Named("state.eventbus.nats")

	defaults := []nats.Option{
		nats.Name(cnst.AppName + "-" + workerID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to NATS at %s: %w", cnst.ErrBackendUnavailable, url, err)
	}

	return &NATSBus{
		logger:     logger,
		conn:       conn,
		keys:       keys,
		workerID:   workerID,
		bufferSize: bufferSize,
		metrics:    m,
		tracer:     trace.Tracer(cnst.TraceEventBus),
		subs:       make(map[*Subscription]struct{}),
	}, nil
}

// Publish implements Bus.Publish
func (b *NATSBus) Publish(ctx context.Context, channel string, msg *Message) error {
	data, err := encode(channel, msg, b.workerID)
	if err != nil {
		return err
	}

	scope := b.tracer.Start(ctx, cnst.SpanEventPublish).WithAttrs(
		attribute.String(cnst.AttrChannel, channel),
		attribute.String(cnst.AttrEventType, msg.EventType),
		attribute.String(cnst.AttrWidgetID, msg.WidgetID),
		attribute.String(cnst.AttrWorkerID, msg.SourceWorkerID),
	)
	defer scope.End()

	err = b.conn.Publish(b.keys.Channel(channel), data)
	if err != nil {
		err = fmt.Errorf("%w: publishing to %s: %w", cnst.ErrBackendUnavailable, channel, err)
	}
	scope.Fail(err)
	b.metrics.EventPublished(cnst.EventBusNATS.String(), err)
	return err
}

// Subscribe implements Bus.Subscribe. The subscription is flushed to the
// server before returning so that events published afterwards are routed.
func (b *NATSBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	bus := cnst.EventBusNATS.String()
	raw := make(chan []byte, b.bufferSize)

	var (
		mu     sync.Mutex
		closed bool
	)
	sub, err := b.conn.Subscribe(b.keys.Channel(channel), func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case raw <- msg.Data:
		default:
			b.metrics.EventDropped(bus)
			b.logger.Warn("subscriber queue is full, dropping event", zap.String("channel", channel))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribing to %s: %w", cnst.ErrBackendUnavailable, channel, err)
	}
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: flushing subscription to %s: %w", cnst.ErrBackendUnavailable, channel, err)
	}

	closeFn := func() error {
		err := sub.Unsubscribe()
		mu.Lock()
		if !closed {
			closed = true
			close(raw)
		}
		mu.Unlock()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) &&
			!errors.Is(err, nats.ErrConnectionDraining) && !errors.Is(err, nats.ErrBadSubscription) {
			return err
		}
		return nil
	}

	b.metrics.SubscriptionOpened(bus)
	s := newSubscription(b.logger, channel, b.bufferSize, closeFn)
	s.onEnd = func() {
		b.metrics.SubscriptionClosed(bus)
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	s.start(raw)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Close ends every live subscription and drains the connection so that
// in-flight publishes reach the server
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
