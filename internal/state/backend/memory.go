package backend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryBackend implements Backend inside a single process. Expiry is lazy:
// an expired key is dropped the next time it is touched or by Purge.
type MemoryBackend struct {
	logger     *zap.Logger
	bufferSize int
	now        func() time.Time

	mu     sync.Mutex
	items  map[string]memoryItem
	sets   map[string]map[string]struct{}
	closed bool

	subsMu sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	drops  dropHook
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a new in-memory backend. bufferSize bounds every
// subscriber's queue; events beyond it are dropped.
func NewMemoryBackend(logger *zap.Logger, bufferSize int) *MemoryBackend {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryBackend{
		logger:     logger.Named("state.backend.memory"),
		bufferSize: bufferSize,
		now:        time.Now,
		items:      make(map[string]memoryItem),
		sets:       make(map[string]map[string]struct{}),
		subs:       make(map[string]map[*memorySubscription]struct{}),
	}
}

// WithClock replaces the time source used for expiry, for tests that need to
// move time forward
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

func (b *MemoryBackend) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

// lookup returns a live item and evicts it if it has expired. Callers hold mu.
func (b *MemoryBackend) lookup(key string) (memoryItem, bool) {
	item, ok := b.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if item.expired(b.now()) {
		delete(b.items, key)
		return memoryItem{}, false
	}
	return item, true
}

// Set implements Backend.Set
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cnst.ErrBackendClosed
	}

	b.items[key] = memoryItem{value: cloneBytes(value), expiresAt: b.expiry(ttl)}
	return nil
}

// Replace implements Backend.Replace
func (b *MemoryBackend) Replace(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, cnst.ErrBackendClosed
	}

	item, ok := b.lookup(key)
	if !ok {
		return false, nil
	}
	item.value = cloneBytes(value)
	if ttl > 0 {
		item.expiresAt = b.expiry(ttl)
	}
	b.items[key] = item
	return true, nil
}

// Get implements Backend.Get
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, cnst.ErrBackendClosed
	}

	item, ok := b.lookup(key)
	if !ok {
		return nil, cnst.ErrNotFound
	}
	return cloneBytes(item.value), nil
}

// Delete implements Backend.Delete
func (b *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, cnst.ErrBackendClosed
	}

	if _, ok := b.lookup(key); !ok {
		return false, nil
	}
	delete(b.items, key)
	return true, nil
}

// Exists implements Backend.Exists
func (b *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, cnst.ErrBackendClosed
	}

	_, ok := b.lookup(key)
	return ok, nil
}

// AddToSet implements Backend.AddToSet
func (b *MemoryBackend) AddToSet(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cnst.ErrBackendClosed
	}

	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet implements Backend.RemoveFromSet
func (b *MemoryBackend) RemoveFromSet(_ context.Context, key string, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cnst.ErrBackendClosed
	}

	set, ok := b.sets[key]
	if !ok {
		return nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(b.sets, key)
	}
	return nil
}

// Members implements Backend.Members
func (b *MemoryBackend) Members(_ context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, cnst.ErrBackendClosed
	}

	set := b.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// Purge drops every expired key and returns how many were removed
func (b *MemoryBackend) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for key, item := range b.items {
		if item.expired(now) {
			delete(b.items, key)
			removed++
		}
	}
	return removed
}

// Publish implements Backend.Publish
func (b *MemoryBackend) Publish(_ context.Context, channel string, payload []byte) error {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	for sub := range b.subs[channel] {
		if !sub.deliver(cloneBytes(payload)) {
			b.logger.Debug("subscriber queue is full, dropping message",
				zap.String("channel", channel))
			b.drops.dropped(channel)
		}
	}
	return nil
}

func (b *MemoryBackend) setDropHandler(fn func(channel string)) {
	b.drops.set(fn)
}

// Subscribe implements Backend.Subscribe
func (b *MemoryBackend) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, cnst.ErrBackendClosed
	}

	sub := &memorySubscription{
		backend: b,
		channel: channel,
		ch:      make(chan []byte, b.bufferSize),
		done:    make(chan struct{}),
	}

	b.subsMu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (b *MemoryBackend) unsubscribe(sub *memorySubscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	subs := b.subs[sub.channel]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.channel)
	}
}

// Ping implements Backend.Ping
func (b *MemoryBackend) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cnst.ErrBackendClosed
	}
	return nil
}

// Close implements Backend.Close. Live subscriptions are ended.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.items = make(map[string]memoryItem)
	b.sets = make(map[string]map[string]struct{})
	b.mu.Unlock()

	b.subsMu.RLock()
	subs := make([]*memorySubscription, 0)
	for _, set := range b.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.subsMu.RUnlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// memorySubscription implements Subscription for MemoryBackend
type memorySubscription struct {
	backend *MemoryBackend
	channel string
	ch      chan []byte
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ Subscription = (*memorySubscription)(nil)

// deliver enqueues payload without blocking the publisher
func (s *memorySubscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// Messages implements Subscription.Messages
func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

// Close implements Subscription.Close
func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.backend.unsubscribe(s)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
