package widget

import "time"

// Record is one widget as stored in the backend
type Record struct {
	WidgetID      string         `json:"widget_id"`
	HTML          string         `json:"html"`
	Token         string         `json:"token,omitempty"`
	OwnerWorkerID string         `json:"owner_worker_id,omitempty"` // informational, routing lives in connection.Router
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RegisterOption customizes a Record at registration time
type RegisterOption func(*Record)

// WithToken attaches the connection token handed to clients
func WithToken(token string) RegisterOption {
	return func(r *Record) {
		r.Token = token
	}
}

// WithOwner records the worker that created the widget
func WithOwner(workerID string) RegisterOption {
	return func(r *Record) {
		r.OwnerWorkerID = workerID
	}
}

func WithMetadata(metadata map[string]any) RegisterOption {
	return func(r *Record) {
		r.Metadata = metadata
	}
}
