// Package state wires the widget, connection, session and event components on
// top of one backend. A Context is built once at process start and handed to
// every consumer.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/auth/jwt"
	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/internal/state/connection"
	"github.com/amoylab/fleetstate/internal/state/eventbus"
	"github.com/amoylab/fleetstate/internal/state/session"
	"github.com/amoylab/fleetstate/internal/state/widget"
	"github.com/amoylab/fleetstate/pkg/logger"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

// Context owns the backend connection and the components built on it
type Context struct {
	logger   *zap.Logger
	cfg      config.StateConfig
	workerID string

	backend     backend.Backend
	keys        backend.Keyspace
	widgets     *widget.Store
	connections *connection.Router
	sessions    *session.Store
	events      eventbus.Bus
	tokens      *jwt.Service
	sweeper     *Sweeper

	closeOnce sync.Once
	closeErr  error
}

// Option customizes New
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
	backend backend.Backend
}

// WithMetrics records backend and event bus metrics into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithBackend uses b instead of building one from configuration. The Context
// takes ownership of b and instruments it like a configured backend.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// New builds the state layer described by cfg and applies the RBAC seed.
// cfg is copied, later changes to it have no effect.
func New(ctx context.Context, lg *zap.Logger, cfg *config.StateConfig, opts ...Option) (*Context, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Context{cfg: *cfg}
	c.cfg.SetDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	c.workerID = c.cfg.WorkerID
	if c.workerID == "" {
		c.workerID = GenerateWorkerID()
	}
	c.logger = logger.WithWorker(lg, c.workerID)

	if o.backend != nil {
		c.backend = backend.Instrument(o.backend, c.cfg.Backend.Type, o.metrics)
	} else {
		b, err := backend.New(ctx, c.logger, &c.cfg, o.metrics)
		if err != nil {
			return nil, err
		}
		c.backend = b
	}
	c.keys = backend.NewKeyspace(c.cfg.Backend.KeyPrefix)

	c.widgets = widget.NewStore(c.logger, c.backend, c.keys, c.cfg.TTL.Widget)
	c.connections = connection.NewRouter(c.logger, c.backend, c.keys, c.cfg.TTL.Connection)
	c.sessions = session.NewStore(c.logger, c.backend, c.keys, c.cfg.TTL.Session)

	if c.cfg.Token.SecretKey != "" {
		tokens, err := jwt.NewService(c.cfg.Token)
		if err != nil {
			_ = c.backend.Close()
			return nil, fmt.Errorf("invalid token config: %w", err)
		}
		c.tokens = tokens
		c.widgets.SetTokenIssuer(tokens, c.workerID)
	}

	bus, err := eventbus.New(c.logger, c.cfg.EventBus, c.backend, c.keys, c.workerID, o.metrics)
	if err != nil {
		_ = c.backend.Close()
		return nil, err
	}
	c.events = bus

	if err := c.sessions.SeedRoles(ctx, c.cfg.RBAC); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to seed role permissions: %w", err)
	}

	if c.cfg.SweepInterval > 0 {
		c.sweeper = NewSweeper(c.logger, c.widgets, c.backend, c.cfg.SweepInterval)
		c.sweeper.Start(context.Background())
	}

	c.logger.Info("State layer ready",
		zap.String("mode", c.cfg.Mode),
		zap.String("backend", c.cfg.Backend.Type),
		zap.String("event_bus", c.cfg.EventBus.Type),
		zap.String("key_prefix", c.keys.Prefix()))
	return c, nil
}

// GenerateWorkerID returns "<hostname>-<8 hex chars>"
func GenerateWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cnst.AppName
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Context) Widgets() *widget.Store {
	return c.widgets
}

func (c *Context) Connections() *connection.Router {
	return c.connections
}

func (c *Context) Sessions() *session.Store {
	return c.sessions
}

func (c *Context) Events() eventbus.Bus {
	return c.events
}

// Tokens returns nil when widget tokens are not configured
func (c *Context) Tokens() *jwt.Service {
	return c.tokens
}

// Backend exposes the shared backend, mainly for health checks
func (c *Context) Backend() backend.Backend {
	return c.backend
}

// Sweeper returns nil when sweeping is disabled
func (c *Context) Sweeper() *Sweeper {
	return c.sweeper
}

// IsDeployMode reports whether this process is one worker of a fleet rather
// than a single embedded process
func (c *Context) IsDeployMode() bool {
	return cnst.DeployMode(c.cfg.Mode) == cnst.ModeDeploy ||
		cnst.BackendType(c.cfg.Backend.Type) != cnst.BackendMemory
}

// WorkerID is stable for the lifetime of the Context
func (c *Context) WorkerID() string {
	return c.workerID
}

// Ping checks that the backend is reachable
func (c *Context) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close stops the sweeper and releases the event bus and backend. It is safe
// to call more than once.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		if c.sweeper != nil {
			c.sweeper.Stop()
		}
		var errs []error
		if c.events != nil {
			if err := c.events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close event bus: %w", err))
			}
		}
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("State layer closed")
	})
	return c.closeErr
}
