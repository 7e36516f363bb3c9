package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MrEthical07/stepup"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "stepup:security-events"

// StreamRecorder appends security events to a capped redis stream for downstream
// alerting. Entries are flat field/value pairs; metadata is a JSON string.
type StreamRecorder struct {
	redis  redis.UniversalClient
	stream string
	maxLen int64
}

// StreamOption customizes a StreamRecorder.
type StreamOption func(*StreamRecorder)

// WithStream sets the stream key.
func WithStream(name string) StreamOption {
	return func(r *StreamRecorder) {
		if name != "" {
			r.stream = name
		}
	}
}

// WithMaxLen caps the stream at roughly n entries. Zero disables trimming.
func WithMaxLen(n int64) StreamOption {
	return func(r *StreamRecorder) {
		if n >= 0 {
			r.maxLen = n
		}
	}
}

// NewStreamRecorder returns a recorder writing to DefaultStream capped at ~10000 entries.
func NewStreamRecorder(client redis.UniversalClient, opts ...StreamOption) *StreamRecorder {
	r := &StreamRecorder{redis: client, stream: DefaultStream, maxLen: 10000}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream returns the configured stream key.
func (r *StreamRecorder) Stream() string {
	return r.stream
}

// Record implements stepup.SecurityEventRecorder.
func (r *StreamRecorder) Record(ctx context.Context, event stepup.SecurityEvent) error {
	values := map[string]any{
		"id":          event.ID,
		"kind":        string(event.Kind),
		"admin_id":    strconv.FormatInt(event.AdminID, 10),
		"occurred_at": event.Timestamp.UTC().Format(time.RFC3339Nano),
		"session_id":  event.SessionID,
		"scope":       event.Scope,
		"ip":          event.IP,
		"user_agent":  event.UserAgent,
	}
	if len(event.Metadata) > 0 {
		md, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode security event metadata: %w", err)
		}
		values["metadata"] = string(md)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
