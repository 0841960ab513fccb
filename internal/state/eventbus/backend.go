package eventbus

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/pkg/metrics"
	"github.com/amoylab/fleetstate/pkg/trace"
)

// BackendBus carries events over the pub/sub of the state backend, so that a
// memory backend gives an in-process bus and a redis backend a fleet-wide one.
type BackendBus struct {
	logger     *zap.Logger
	backend    backend.Backend
	keys       backend.Keyspace
	workerID   string
	bufferSize int
	metrics    *metrics.Metrics
	tracer     *trace.Builder
}

var _ Bus = (*BackendBus)(nil)

func NewBackendBus(logger *zap.Logger, b backend.Backend, keys backend.Keyspace, workerID string, bufferSize int, m *metrics.Metrics) *BackendBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &BackendBus{
		logger:     logger.Named("state.eventbus.backend"),
		backend:    b,
		keys:       keys,
		workerID:   workerID,
		bufferSize: bufferSize,
		metrics:    m,
		tracer:     trace.Tracer(cnst.TraceEventBus),
	}
}

// Publish implements Bus.Publish
func (b *BackendBus) Publish(ctx context.Context, channel string, msg *Message) error {
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

	err = b.backend.Publish(scope.Ctx, b.keys.Channel(channel), data)
	scope.Fail(err)
	b.metrics.EventPublished(cnst.EventBusBackend.String(), err)
	return err
}

// Subscribe implements Bus.Subscribe
func (b *BackendBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	raw, err := b.backend.Subscribe(ctx, b.keys.Channel(channel))
	if err != nil {
		return nil, err
	}

	bus := cnst.EventBusBackend.String()
	b.metrics.SubscriptionOpened(bus)
	b.logger.Debug("subscribed", zap.String("channel", channel))
	s := newSubscription(b.logger, channel, b.bufferSize, raw.Close)
	s.onEnd = func() {
		b.metrics.SubscriptionClosed(bus)
	}
	s.start(raw.Messages())
	return s, nil
}

// Close implements Bus.Close. The backend is owned by the caller and stays open.
func (b *BackendBus) Close() error {
	return nil
}
