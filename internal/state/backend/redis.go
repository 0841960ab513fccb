package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/pkg/utils"
)

// RedisBackend implements Backend on top of Redis so that every worker of a
// fleet sees the same records.
type RedisBackend struct {
	logger     *zap.Logger
	client     redis.UniversalClient
	bufferSize int
	drops      dropHook
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a new Redis-based backend and verifies the connection
func NewRedisBackend(ctx context.Context, logger *zap.Logger, cfg config.BackendConfig, bufferSize int) (*RedisBackend, error) {
	client, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis: %w", cnst.ErrBackendUnavailable, err)
	}

	return NewRedisBackendWithClient(logger, client, bufferSize), nil
}

// NewRedisBackendWithClient wraps an existing client. The backend owns the client
// and closes it on Close.
func NewRedisBackendWithClient(logger *zap.Logger, client redis.UniversalClient, bufferSize int) *RedisBackend {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &RedisBackend{
		logger:     logger.Named("state.backend.redis"),
		client:     client,
		bufferSize: bufferSize,
	}
}

func newRedisClient(cfg config.BackendConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse backend url: %w", err)
		}
		return redis.NewClient(opts), nil
	}

	rc := cfg.Redis
	redisOptions := &redis.UniversalOptions{
		Addrs:    utils.SplitAddrs(rc.Addr),
		Username: rc.Username,
		Password: rc.Password,
	}
	if rc.ClusterType == cnst.RedisClusterTypeSentinel {
		redisOptions.MasterName = rc.MasterName
	}
	if rc.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		redisOptions.DB = rc.DB
	}
	return redis.NewUniversalClient(redisOptions), nil
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: redis %s %s: %w", cnst.ErrBackendUnavailable, op, key, err)
}

// Set implements Backend.Set
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// Replace implements Backend.Replace using SET XX, keeping the TTL when ttl <= 0
func (b *RedisBackend) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := redis.SetArgs{Mode: "XX"}
	if ttl > 0 {
		args.TTL = ttl
	} else {
		args.KeepTTL = true
	}

	err := b.client.SetArgs(ctx, key, value, args).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("replace", key, err)
	}
	return true, nil
}

// Get implements Backend.Get
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cnst.ErrNotFound
		}
		return nil, unavailable("get", key, err)
	}
	return data, nil
}

// Delete implements Backend.Delete
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable("del", key, err)
	}
	return n > 0, nil
}

// Exists implements Backend.Exists
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", key, err)
	}
	return n == 1, nil
}

// AddToSet implements Backend.AddToSet
func (b *RedisBackend) AddToSet(ctx context.Context, key string, member string) error {
	if err := b.client.SAdd(ctx, key, member).Err(); err != nil {
		return unavailable("sadd", key, err)
	}
	return nil
}

// RemoveFromSet implements Backend.RemoveFromSet
func (b *RedisBackend) RemoveFromSet(ctx context.Context, key string, member string) error {
	if err := b.client.SRem(ctx, key, member).Err(); err != nil {
		return unavailable("srem", key, err)
	}
	return nil
}

// Members implements Backend.Members
func (b *RedisBackend) Members(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", key, err)
	}
	return members, nil
}

// Publish implements Backend.Publish
func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return unavailable("publish", channel, err)
	}
	return nil
}

// Subscribe implements Backend.Subscribe. It waits for the server to confirm the
// subscription so that events published after it returns are not missed.
func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable("subscribe", channel, err)
	}

	sub := &redisSubscription{
		logger:  b.logger,
		channel: channel,
		pubsub:  pubsub,
		ch:      make(chan []byte, b.bufferSize),
		done:    make(chan struct{}),
		drops:   &b.drops,
	}
	go sub.forward(pubsub.Channel(redis.WithChannelSize(b.bufferSize)))
	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (b *RedisBackend) setDropHandler(fn func(channel string)) {
	b.drops.set(fn)
}

// Ping implements Backend.Ping
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Close implements Backend.Close
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// redisSubscription implements Subscription over a Redis PubSub
type redisSubscription struct {
	logger  *zap.Logger
	channel string
	pubsub  *redis.PubSub
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	drops   *dropHook
}

var _ Subscription = (*redisSubscription)(nil)

func (s *redisSubscription) forward(msgs <-chan *redis.Message) {
	defer close(s.ch)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			default:
				s.logger.Warn("subscriber queue is full, dropping message",
					zap.String("channel", s.channel))
				s.drops.dropped(s.channel)
			}
		}
	}
}

// Messages implements Subscription.Messages
func (s *redisSubscription) Messages() <-chan []byte {
	return s.ch
}

// Close implements Subscription.Close
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
