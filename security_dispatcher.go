package stepup

import (
	"context"
	"sync"
	"sync/atomic"
)

// securityDispatcher feeds security events to the recorder from a single goroutine so
// that slow sinks never add latency to authorization decisions.
type securityDispatcher struct {
	cfg       SecurityEventsConfig
	deliver   func(context.Context, SecurityEvent)
	onDrop    func(SecurityEvent)
	ch        chan SecurityEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSecurityDispatcher(
	cfg SecurityEventsConfig,
	deliver func(context.Context, SecurityEvent),
	onDrop func(SecurityEvent),
) *securityDispatcher {
	if !cfg.Async || deliver == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}

	d := &securityDispatcher{
		cfg:     cfg,
		deliver: deliver,
		onDrop:  onDrop,
		ch:      make(chan SecurityEvent, cfg.BufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *securityDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(context.Background(), event)
		case <-d.done:
			for {
				select {
				case event := <-d.ch:
					d.deliver(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Record enqueues event. With DropIfFull it never blocks; otherwise it waits for buffer
// space until ctx is done or the dispatcher closes.
func (d *securityDispatcher) Record(ctx context.Context, event SecurityEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.drop(event)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.drop(event)
	case <-d.done:
	}
}

func (d *securityDispatcher) drop(event SecurityEvent) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(event)
	}
}

// Close stops accepting events and drains the buffer.
func (d *securityDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the number of events discarded so far.
func (d *securityDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
