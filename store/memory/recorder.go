package memory

import (
	"context"
	"sync"

	"github.com/MrEthical07/stepup"
)

// Recorder is an in-process SecurityEventRecorder that keeps every event it accepts.
type Recorder struct {
	mu     sync.Mutex
	events []stepup.SecurityEvent
	err    error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record implements stepup.SecurityEventRecorder. While a failure is set the event is
// discarded and the failure returned.
func (r *Recorder) Record(_ context.Context, event stepup.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

// Fail makes subsequent Record calls return err; nil restores normal recording.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []stepup.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stepup.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind stepup.SecurityEventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
