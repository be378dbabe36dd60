package manager

import "time"

type execOptions struct {
	metadata  map[string]any
	payload   map[string]any
	timeout   time.Duration
	sessionID string
	requestID string
}

// ExecOption configures a single ExecuteWithSession call
type ExecOption func(*execOptions)

// WithMetadata attaches caller metadata to the session. The map is copied.
func WithMetadata(metadata map[string]any) ExecOption {
	return func(o *execOptions) {
		o.metadata = metadata
	}
}

// WithTimeout overrides the default operation timeout
func WithTimeout(timeout time.Duration) ExecOption {
	return func(o *execOptions) {
		o.timeout = timeout
	}
}

// WithRequestID sets the correlation ID used in logs and events
func WithRequestID(id string) ExecOption {
	return func(o *execOptions) {
		o.requestID = id
	}
}

// WithSessionID sets the session ID instead of generating one
func WithSessionID(id string) ExecOption {
	return func(o *execOptions) {
		o.sessionID = id
	}
}

// WithEventPayload adds context (for example the provider name) to the
// RECEIVED and PROVIDER_CALL_START events.
func WithEventPayload(payload map[string]any) ExecOption {
	return func(o *execOptions) {
		o.payload = payload
	}
}
