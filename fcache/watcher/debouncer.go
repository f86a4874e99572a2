package watcher

import (
	"context"
	"sync"
	"time"
)

// EventBatch represents a batch of events for the same path
type EventBatch struct {
	Path      string
	Events    []Event
	LastEvent Event
	First     time.Time
	Timer     *time.Timer

	// gen invalidates timers that fired after a newer event re-armed them
	gen uint64
}

// DebouncerImpl implements the Debouncer interface. Events for a path are
// held until the path has been quiet for delay, or until maxDelay has passed
// since its first held event.
type DebouncerImpl struct {
	delay         time.Duration
	maxDelay      time.Duration
	eventChan     chan []Event
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	mu            sync.Mutex
	closed        bool
	pendingEvents map[string]*EventBatch
}

// NewDebouncer creates a new debouncer
func NewDebouncer(delay, maxDelay time.Duration, queueCapacity int) *DebouncerImpl {
	ctx, cancel := context.WithCancel(context.Background())

	return &DebouncerImpl{
		delay:         delay,
		maxDelay:      maxDelay,
		eventChan:     make(chan []Event, queueCapacity),
		ctx:           ctx,
		cancel:        cancel,
		pendingEvents: make(map[string]*EventBatch),
	}
}

// Add adds an event to be debounced
func (d *DebouncerImpl) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	batch, exists := d.pendingEvents[event.Path]
	if !exists {
		batch = &EventBatch{
			Path:   event.Path,
			Events: make([]Event, 0, 4),
			First:  time.Now(),
		}
		d.pendingEvents[event.Path] = batch
	}

	batch.Events = append(batch.Events, event)
	batch.LastEvent = event
	batch.gen++

	wait := d.delay
	if d.maxDelay > 0 {
		if remaining := d.maxDelay - time.Since(batch.First); remaining < wait {
			wait = max(remaining, 0)
		}
	}

	if batch.Timer != nil {
		batch.Timer.Stop()
	}
	gen := batch.gen
	batch.Timer = time.AfterFunc(wait, func() {
		d.flush(batch, gen)
	})
}

// Events returns the debounced events channel
func (d *DebouncerImpl) Events() <-chan []Event {
	return d.eventChan
}

// flush delivers batch unless it was re-armed or already delivered
func (d *DebouncerImpl) flush(batch *EventBatch, gen uint64) {
	d.mu.Lock()
	if d.closed || batch.gen != gen || d.pendingEvents[batch.Path] != batch {
		d.mu.Unlock()
		return
	}
	delete(d.pendingEvents, batch.Path)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	select {
	case d.eventChan <- batch.Events:
	case <-d.ctx.Done():
	}
}

// Close stops the debouncer. Held events are discarded.
func (d *DebouncerImpl) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()

	for _, batch := range d.pendingEvents {
		if batch.Timer != nil {
			batch.Timer.Stop()
		}
	}
	d.pendingEvents = nil
	d.mu.Unlock()

	d.wg.Wait()
	close(d.eventChan)
}
