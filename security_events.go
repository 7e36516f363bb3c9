package stepup

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// NoOpRecorder discards security events.
type NoOpRecorder struct{}

// Record implements SecurityEventRecorder.
func (NoOpRecorder) Record(context.Context, SecurityEvent) error { return nil }

// ChannelRecorder publishes security events on a buffered channel.
type ChannelRecorder struct {
	events chan SecurityEvent
}

// NewChannelRecorder returns a ChannelRecorder with the given buffer (minimum 1).
func NewChannelRecorder(buffer int) *ChannelRecorder {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelRecorder{
		events: make(chan SecurityEvent, buffer),
	}
}

// Record blocks until the event is buffered or ctx is done.
func (r *ChannelRecorder) Record(ctx context.Context, event SecurityEvent) error {
	select {
	case r.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side of the channel.
func (r *ChannelRecorder) Events() <-chan SecurityEvent {
	return r.events
}

// JSONWriterRecorder writes one JSON document per line.
type JSONWriterRecorder struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterRecorder returns a recorder writing to w.
func NewJSONWriterRecorder(w io.Writer) *JSONWriterRecorder {
	return &JSONWriterRecorder{
		writer: w,
	}
}

// Record implements SecurityEventRecorder.
func (r *JSONWriterRecorder) Record(_ context.Context, event SecurityEvent) error {
	if r == nil || r.writer == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.writer.Write(data)
	return err
}

// LogRecorder writes security events as structured zerolog lines at warn level.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder returns a recorder that logs through logger.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements SecurityEventRecorder.
func (r *LogRecorder) Record(_ context.Context, event SecurityEvent) error {
	evt := r.logger.Warn().
		Str("type", "security").
		Str("event_id", event.ID).
		Str("kind", string(event.Kind)).
		Int64("admin_id", event.AdminID).
		Time("occurred_at", event.Timestamp)
	if event.SessionID != "" {
		evt = evt.Str("session_id", event.SessionID)
	}
	if event.Scope != "" {
		evt = evt.Str("scope", event.Scope)
	}
	if event.IP != "" {
		evt = evt.Str("client_ip", event.IP)
	}
	if event.UserAgent != "" {
		evt = evt.Str("user_agent", event.UserAgent)
	}
	if len(event.Metadata) > 0 {
		evt = evt.Interface("metadata", event.Metadata)
	}
	evt.Msg("step-up security event")
	return nil
}

// MultiRecorder fans an event out to several recorders and returns the first error.
type MultiRecorder []SecurityEventRecorder

// Record implements SecurityEventRecorder.
func (m MultiRecorder) Record(ctx context.Context, event SecurityEvent) error {
	var firstErr error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
