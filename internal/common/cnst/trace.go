package cnst

// Tracer names used across the services
const (
	// TraceBackend is the tracer name for backend operations
	TraceBackend = "fleetstate/backend"
	// TraceEventBus is the tracer name for the event bus
	TraceEventBus = "fleetstate/eventbus"
)

// Common span names and prefixes
const (
	// SpanBackendPrefix prefixes spans for backend operations
	SpanBackendPrefix = "state.backend."
	// SpanEventPublish represents publishing an event
	SpanEventPublish = "state.event.publish"
)

// Common attribute keys
const (
	AttrBackendType = "backend.type"
	AttrBackendKey  = "backend.key"
	AttrChannel     = "event.channel"
	AttrEventType   = "event.type"
	AttrWidgetID    = "widget.id"
	AttrWorkerID    = "worker.id"
)
