package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

// New creates the state backend selected by configuration, instrumented with m
func New(ctx context.Context, logger *zap.Logger, cfg *config.StateConfig, m *metrics.Metrics) (Backend, error) {
	logger.Info("Initializing state backend",
		zap.String("type", cfg.Backend.Type),
		zap.String("key_prefix", cfg.Backend.KeyPrefix))

	var (
		b   Backend
		err error
	)
	switch cnst.BackendType(cfg.Backend.Type) {
	case cnst.BackendMemory:
		b = NewMemoryBackend(logger, cfg.EventBus.BufferSize)
	case cnst.BackendRedis:
		b, err = NewRedisBackend(ctx, logger, cfg.Backend, cfg.EventBus.BufferSize)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedBackend, cfg.Backend.Type)
	}
	return Instrument(b, cfg.Backend.Type, m), nil
}
