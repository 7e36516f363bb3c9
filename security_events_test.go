package stepup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sampleSecurityEvent() SecurityEvent {
	return SecurityEvent{
		ID:        "evt-1",
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Kind:      SecurityEventRiskMismatch,
		AdminID:   42,
		SessionID: "abcd",
		Scope:     "SECURITY",
		IP:        "10.1.1.1",
		UserAgent: "ua",
		Metadata:  map[string]string{"stored_risk_hash": "x"},
	}
}

func TestJSONWriterRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONWriterRecorder(&buf)
	if err := r.Record(context.Background(), sampleSecurityEvent()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	line := strings.TrimSuffix(buf.String(), "\n")
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("invalid json line %q: %v", line, err)
	}
	if decoded["kind"] != "RISK_MISMATCH" || decoded["admin_id"] != float64(42) {
		t.Fatalf("unexpected payload %v", decoded)
	}
}

func TestLogRecorderWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRecorder(zerolog.New(&buf))
	if err := r.Record(context.Background(), sampleSecurityEvent()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	if decoded["level"] != "warn" || decoded["kind"] != "RISK_MISMATCH" || decoded["client_ip"] != "10.1.1.1" {
		t.Fatalf("unexpected log line %v", decoded)
	}
	if decoded["message"] != "step-up security event" {
		t.Fatalf("unexpected message %v", decoded["message"])
	}
}

func TestChannelRecorderHonoursContext(t *testing.T) {
	r := NewChannelRecorder(1)
	ctx := context.Background()
	if err := r.Record(ctx, sampleSecurityEvent()); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := r.Record(cancelled, sampleSecurityEvent()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled on full buffer, got %v", err)
	}
	if got := <-r.Events(); got.ID != "evt-1" {
		t.Fatalf("unexpected event %+v", got)
	}
}

type errRecorder struct {
	err   error
	calls atomic.Int32
}

func (r *errRecorder) Record(context.Context, SecurityEvent) error {
	r.calls.Add(1)
	return r.err
}

func TestMultiRecorderFansOut(t *testing.T) {
	first := &errRecorder{err: errors.New("first")}
	second := &errRecorder{err: errors.New("second")}
	ok := &errRecorder{}

	err := MultiRecorder{first, nil, second, ok}.Record(context.Background(), sampleSecurityEvent())
	if err == nil || err.Error() != "first" {
		t.Fatalf("expected first error, got %v", err)
	}
	if first.calls.Load() != 1 || second.calls.Load() != 1 || ok.calls.Load() != 1 {
		t.Fatal("expected every recorder called")
	}
}

func TestSecurityDispatcherSyncDisabled(t *testing.T) {
	if d := newSecurityDispatcher(SecurityEventsConfig{}, func(context.Context, SecurityEvent) {}, nil); d != nil {
		t.Fatal("expected nil dispatcher when async is off")
	}
	var d *securityDispatcher
	d.Record(context.Background(), sampleSecurityEvent())
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected nil dispatcher to report no drops")
	}
}

func TestSecurityDispatcherDeliversInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	d := newSecurityDispatcher(SecurityEventsConfig{Async: true, BufferSize: 16}, func(_ context.Context, e SecurityEvent) {
		mu.Lock()
		ids = append(ids, e.ID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"a", "b", "c"} {
		e := sampleSecurityEvent()
		e.ID = id
		d.Record(context.Background(), e)
	}
	d.Close()
	d.Record(context.Background(), sampleSecurityEvent())

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(ids, ",") != "a,b,c" {
		t.Fatalf("unexpected delivery order %v", ids)
	}
}

func TestSecurityDispatcherBlockingModeDropsOnContextDone(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var dropped atomic.Int32

	d := newSecurityDispatcher(SecurityEventsConfig{Async: true, BufferSize: 1, DropIfFull: false}, func(context.Context, SecurityEvent) {
		entered <- struct{}{}
		<-release
	}, func(SecurityEvent) { dropped.Add(1) })

	d.Record(context.Background(), sampleSecurityEvent())
	<-entered
	d.Record(context.Background(), sampleSecurityEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Record(ctx, sampleSecurityEvent())

	if d.Dropped() != 1 || dropped.Load() != 1 {
		t.Fatalf("expected one drop, got %d/%d", d.Dropped(), dropped.Load())
	}
	close(release)
	d.Close()
}
