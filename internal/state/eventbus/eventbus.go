package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message is one application event travelling between workers. It is never
// persisted.
type Message struct {
	EventType      string    `json:"event_type"`
	WidgetID       string    `json:"widget_id"`
	Data           any       `json:"data,omitempty"`
	SourceWorkerID string    `json:"source_worker_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus fans events out to every worker subscribed to a channel.
//
// Delivery is at-most-once: an event published while nobody is subscribed is
// lost, and a subscriber that falls behind loses events rather than blocking
// publishers. Events on one channel reach a subscriber in publish order.
type Bus interface {
	// Publish never fails because a channel has no subscriber
	Publish(ctx context.Context, channel string, msg *Message) error

	// Subscribe returns once the subscription is live. It ends when Close is
	// called or ctx is done.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	Close() error
}

// stamp fills the publisher identity and time when the caller left them empty
func stamp(msg *Message, workerID string) {
	if msg.SourceWorkerID == "" {
		msg.SourceWorkerID = workerID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
}

func encode(channel string, msg *Message, workerID string) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil event for channel %s", channel)
	}
	stamp(msg, workerID)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event for channel %s: %w", channel, err)
	}
	return data, nil
}

// Subscription is a live, non-restartable stream of events from one channel.
// The caller must Close it on every exit path.
type Subscription struct {
	logger  *zap.Logger
	channel string
	events  chan *Message
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	onEnd   func()
}

func newSubscription(logger *zap.Logger, channel string, bufferSize int, closeFn func() error) *Subscription {
	return &Subscription{
		logger:  logger,
		channel: channel,
		events:  make(chan *Message, bufferSize),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

// start decodes raw payloads into events until raw closes or Close is called
func (s *Subscription) start(raw <-chan []byte) {
	go s.forward(raw)
}

func (s *Subscription) forward(raw <-chan []byte) {
	defer func() {
		close(s.events)
		if s.onEnd != nil {
			s.onEnd()
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case payload, ok := <-raw:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.logger.Warn("discarding malformed event",
					zap.String("channel", s.channel), zap.Error(err))
				continue
			}
			select {
			case s.events <- &msg:
			case <-s.done:
				return
			}
		}
	}
}

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan *Message {
	return s.events
}

// Channel returns the channel name the subscription was opened on
func (s *Subscription) Channel() string {
	return s.channel
}

// Close ends the subscription and releases the underlying transport. It is
// safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.closeFn()
	})
	return err
}

// Handler processes one event received by Listen
type Handler func(ctx context.Context, msg *Message)

// Listen subscribes to channel and runs handler for every event until ctx is
// done or the subscription ends. The subscription is always closed on return.
func Listen(ctx context.Context, bus Bus, channel string, handler Handler) error {
	sub, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Events():
			if !ok {
				return ctx.Err()
			}
			handler(ctx, msg)
		}
	}
}
