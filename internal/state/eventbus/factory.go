package eventbus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/common/config"
	"github.com/amoylab/fleetstate/internal/state/backend"
	"github.com/amoylab/fleetstate/pkg/metrics"
)

// New creates the event bus selected by cfg.Type
func New(logger *zap.Logger, cfg config.EventBusConfig, b backend.Backend, keys backend.Keyspace, workerID string, m *metrics.Metrics) (Bus, error) {
	switch cnst.EventBusType(cfg.Type) {
	case cnst.EventBusBackend, "":
		return NewBackendBus(logger, b, keys, workerID, cfg.BufferSize, m), nil
	case cnst.EventBusNATS:
		return NewNATSBus(logger, cfg.NATS.URL, keys, workerID, cfg.BufferSize, m)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnsupportedEventBus, cfg.Type)
	}
}
