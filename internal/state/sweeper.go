package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/internal/state/widget"
)

// purger is implemented by backends that expire keys lazily
type purger interface {
	Purge() int
}

// unwrapper is implemented by backend decorators
type unwrapper interface {
	Unwrap() backend.Backend
}

// Sweeper periodically reconciles the active widget index against the records
// that still exist, and purges expired keys from lazily expiring backends.
type Sweeper struct {
	logger   *zap.Logger
	widgets  *widget.Store
	backend  backend.Backend
	interval time.Duration
	running  *atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper running every interval
func NewSweeper(logger *zap.Logger, widgets *widget.Store, b backend.Backend, interval time.Duration) *Sweeper {
	return &Sweeper{
		logger:   logger.Named("state.sweeper"),
		widgets:  widgets,
		backend:  b,
		interval: interval,
		running:  &atomic.Bool{},
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop. Calling it again is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.running.CompareAndSwap(false, true) {
		s.wg.Add(1)
		go s.loop(ctx)
		s.logger.Info("Started active index sweeper", zap.Duration("interval", s.interval))
	}
}

// Stop halts the sweep loop and waits for a sweep in progress to finish
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	if s.running.CompareAndSwap(true, false) {
		s.logger.Info("Stopped active index sweeper")
	}
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single reconciliation pass and returns how many index
// entries were dropped
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	purged := 0
	if p, ok := underlying(s.backend).(purger); ok {
		purged = p.Purge()
	}

	removed, err := s.widgets.Sweep(ctx)
	if err != nil {
		s.logger.Warn("Active index sweep failed", zap.Error(err))
	}
	if removed > 0 || purged > 0 {
		s.logger.Info("Swept expired state",
			zap.Int("purged_keys", purged),
			zap.Int("removed_widgets", removed))
	}
	return removed
}

func underlying(b backend.Backend) backend.Backend {
	for {
		u, ok := b.(unwrapper)
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}
