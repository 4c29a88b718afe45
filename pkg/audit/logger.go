package audit

import (
	"context"
	"time"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes and releases the backend
	Close() error
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Status:    status,
	}
}

// NoopLogger discards all events, used when auditing is disabled
type NoopLogger struct{}

// Log discards the event
func (NoopLogger) Log(ctx context.Context, event *Event) error { return nil }

// Close is a no-op
func (NoopLogger) Close() error { return nil }
