package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amoylab/fleetstate/internal/common/cnst"
	"github.com/amoylab/fleetstate/internal/state/backend"
)

// Info records which worker currently serves a widget's interactive session
type Info struct {
	WidgetID      string    `json:"widget_id"`
	WorkerID      string    `json:"worker_id"`
	UserID        string    `json:"user_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Option sets the optional fields of a connection
type Option func(*Info)

func WithUser(userID string) Option {
	return func(i *Info) {
		i.UserID = userID
	}
}

func WithSession(sessionID string) Option {
	return func(i *Info) {
		i.SessionID = sessionID
	}
}

// Router maps widgets to their owning worker.
//
// Ownership is last-writer-wins: Register never negotiates with the previous
// owner, and a "check owner then act" sequence is not atomic. Callers needing
// fencing must build it on top.
type Router struct {
	logger  *zap.Logger
	backend backend.Backend
	keys    backend.Keyspace
	ttl     time.Duration
	now     func() time.Time
}

// NewRouter creates a router whose records expire when not refreshed within ttl
func NewRouter(logger *zap.Logger, b backend.Backend, keys backend.Keyspace, ttl time.Duration) *Router {
	return &Router{
		logger:  logger.Named("state.connection"),
		backend: b,
		keys:    keys,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register claims widgetID for workerID, superseding any previous owner
func (r *Router) Register(ctx context.Context, widgetID, workerID string, opts ...Option) error {
	if widgetID == "" || workerID == "" {
		return cnst.ErrEmptyID
	}

	previous, err := r.Get(ctx, widgetID)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	info := &Info{
		WidgetID:      widgetID,
		WorkerID:      workerID,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}
	for _, opt := range opts {
		opt(info)
	}

	if err := r.write(ctx, info); err != nil {
		return err
	}
	if err := r.backend.AddToSet(ctx, r.keys.WorkerConnections(workerID), widgetID); err != nil {
		return fmt.Errorf("failed to index connection %s: %w", widgetID, err)
	}

	if previous != nil && previous.WorkerID != workerID {
		// best effort, ListWorker prunes whatever is left behind
		if err := r.backend.RemoveFromSet(ctx, r.keys.WorkerConnections(previous.WorkerID), widgetID); err != nil {
			r.logger.Warn("failed to unindex connection from previous owner",
				zap.String("widget_id", widgetID),
				zap.String("previous_worker_id", previous.WorkerID),
				zap.Error(err))
		}
		r.logger.Info("connection ownership transferred",
			zap.String("widget_id", widgetID),
			zap.String("from", previous.WorkerID),
			zap.String("to", workerID))
	}
	return nil
}

func (r *Router) write(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal connection %s: %w", info.WidgetID, err)
	}
	if err := r.backend.Set(ctx, r.keys.Connection(info.WidgetID), data, r.ttl); err != nil {
		return fmt.Errorf("failed to store connection %s: %w", info.WidgetID, err)
	}
	return nil
}

// Get returns nil when no live connection is recorded for widgetID
func (r *Router) Get(ctx context.Context, widgetID string) (*Info, error) {
	data, err := r.backend.Get(ctx, r.keys.Connection(widgetID))
	if err != nil {
		if errors.Is(err, cnst.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get connection %s: %w", widgetID, err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		r.logger.Warn("discarding corrupt connection record",
			zap.String("widget_id", widgetID), zap.Error(err))
		return nil, nil
	}
	return &info, nil
}

// Owner returns the worker currently serving widgetID and whether there is one
func (r *Router) Owner(ctx context.Context, widgetID string) (string, bool, error) {
	info, err := r.Get(ctx, widgetID)
	if err != nil || info == nil {
		return "", false, err
	}
	return info.WorkerID, true, nil
}

// RefreshHeartbeat moves LastHeartbeat strictly forward and restarts the TTL.
// It returns false when there is no record, in which case the caller should
// register again.
func (r *Router) RefreshHeartbeat(ctx context.Context, widgetID string) (bool, error) {
	info, err := r.Get(ctx, widgetID)
	if err != nil || info == nil {
		return false, err
	}

	now := r.now().UTC()
	if !now.After(info.LastHeartbeat) {
		now = info.LastHeartbeat.Add(time.Nanosecond)
	}
	info.LastHeartbeat = now

	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("failed to marshal connection %s: %w", widgetID, err)
	}
	ok, err := r.backend.Replace(ctx, r.keys.Connection(widgetID), data, r.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to refresh connection %s: %w", widgetID, err)
	}
	return ok, nil
}

// Unregister reports true only when a live record was removed
func (r *Router) Unregister(ctx context.Context, widgetID string) (bool, error) {
	info, err := r.Get(ctx, widgetID)
	if err != nil {
		return false, err
	}

	removed, err := r.backend.Delete(ctx, r.keys.Connection(widgetID))
	if err != nil {
		return false, fmt.Errorf("failed to delete connection %s: %w", widgetID, err)
	}
	if info != nil {
		if err := r.backend.RemoveFromSet(ctx, r.keys.WorkerConnections(info.WorkerID), widgetID); err != nil {
			return removed, fmt.Errorf("failed to unindex connection %s: %w", widgetID, err)
		}
	}
	return removed, nil
}

// ListWorker returns the sorted widget ids owned by workerID. Index members
// that expired or moved to another worker are pruned on the way.
func (r *Router) ListWorker(ctx context.Context, workerID string) ([]string, error) {
	indexKey := r.keys.WorkerConnections(workerID)
	members, err := r.backend.Members(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections of %s: %w", workerID, err)
	}

	owned := make([]string, 0, len(members))
	for _, widgetID := range members {
		info, err := r.Get(ctx, widgetID)
		if err != nil {
			return nil, err
		}
		if info != nil && info.WorkerID == workerID {
			owned = append(owned, widgetID)
			continue
		}
		if err := r.backend.RemoveFromSet(ctx, indexKey, widgetID); err != nil {
			r.logger.Warn("failed to prune stale connection",
				zap.String("worker_id", workerID),
				zap.String("widget_id", widgetID),
				zap.Error(err))
		}
	}
	sort.Strings(owned)
	return owned, nil
}
