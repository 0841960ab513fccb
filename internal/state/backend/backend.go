package backend

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Backend is the TTL-bounded record store shared by every state component.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Set upserts value under key. A ttl of zero means the key never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Replace overwrites value only if key already exists and reports whether it did.
	// A ttl <= 0 keeps the remaining lifetime of the key.
	Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Get returns cnst.ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete reports whether a key was actually removed.
	Delete(ctx context.Context, key string) (bool, error)

	Exists(ctx context.Context, key string) (bool, error)

	// AddToSet, RemoveFromSet and Members maintain secondary indexes. Index sets
	// never expire on their own.
	AddToSet(ctx context.Context, key string, member string) error
	RemoveFromSet(ctx context.Context, key string, member string) error
	Members(ctx context.Context, key string) ([]string, error)

	// Publish is fire-and-forget: having no subscriber is not an error.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe attaches to channel and only returns once the subscription is live.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live attachment to one pub/sub channel.
type Subscription interface {
	// Messages returns payloads in publish order. It is closed when the
	// subscription ends.
	Messages() <-chan []byte

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}

// dropReporter is implemented by backends whose subscriptions drop payloads
// when a subscriber falls behind
type dropReporter interface {
	setDropHandler(fn func(channel string))
}

// dropHook holds the callback run for every dropped payload
type dropHook struct {
	fn atomic.Pointer[func(channel string)]
}

func (h *dropHook) set(fn func(channel string)) {
	h.fn.Store(&fn)
}

func (h *dropHook) dropped(channel string) {
	if fn := h.fn.Load(); fn != nil && *fn != nil {
		(*fn)(channel)
	}
}

// Keyspace builds namespaced keys so that several deployments can share one backend.
type Keyspace struct {
	prefix string
}

// NewKeyspace returns a Keyspace rooted at prefix. A trailing ':' is added when missing.
func NewKeyspace(prefix string) Keyspace {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return Keyspace{prefix: prefix}
}

func (k Keyspace) Prefix() string { return k.prefix }

func (k Keyspace) Widget(id string) string { return k.prefix + "widget:" + id }

func (k Keyspace) ActiveWidgets() string { return k.prefix + "widgets:active" }

func (k Keyspace) Connection(widgetID string) string { return k.prefix + "connection:" + widgetID }

func (k Keyspace) WorkerConnections(workerID string) string {
	return k.prefix + "worker:" + workerID + ":connections"
}

func (k Keyspace) Session(id string) string { return k.prefix + "session:" + id }

func (k Keyspace) UserSessions(userID string) string {
	return k.prefix + "user:" + userID + ":sessions"
}

func (k Keyspace) Role(role string) string { return k.prefix + "rbac:role:" + role }

func (k Keyspace) Roles() string { return k.prefix + "rbac:roles" }

func (k Keyspace) Channel(name string) string { return k.prefix + "events:" + name }
