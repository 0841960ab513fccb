package cnst

// BackendType represents the kind of state backend
type BackendType string

const (
	// BackendMemory keeps all state inside the process
	BackendMemory BackendType = "memory"
	// BackendRedis shares state between workers through Redis
	BackendRedis BackendType = "redis"
)

func (b BackendType) String() string {
	return string(b)
}

// EventBusType represents the transport used by the event bus
type EventBusType string

const (
	// EventBusBackend publishes through the state backend's pub/sub
	EventBusBackend EventBusType = "backend"
	// EventBusNATS publishes through NATS subjects
	EventBusNATS EventBusType = "nats"
)

func (e EventBusType) String() string {
	return string(e)
}
