package cnst

import "errors"

var (
	// ErrNotFound is returned by a backend when a key does not exist or has expired
	ErrNotFound = errors.New("key not found")
	// ErrUnsupportedBackend is returned when the configured backend type is unknown
	ErrUnsupportedBackend = errors.New("unsupported state backend")
	// ErrUnsupportedEventBus is returned when the configured event bus type is unknown
	ErrUnsupportedEventBus = errors.New("unsupported event bus")
	// ErrBackendUnavailable wraps every failure to reach a shared backend
	ErrBackendUnavailable = errors.New("state backend unavailable")
	// ErrBackendClosed is returned when an operation runs after Close
	ErrBackendClosed = errors.New("backend is closed")
	// ErrEmptyID is returned when a record id is empty
	ErrEmptyID = errors.New("id cannot be empty")
)
