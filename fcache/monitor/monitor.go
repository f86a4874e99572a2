// Package monitor connects caches to OS watch subscriptions and drives them
// from a single owner goroutine each.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/filecache/fcache"
	"github.com/ZanzyTHEbar/filecache/fcache/cache"
	"github.com/ZanzyTHEbar/filecache/fcache/watcher"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when Run is called on a running monitor
var ErrAlreadyRunning = errors.New("monitor is already running")

// Handler is called on the owner goroutine whenever the cache has
// outstanding changes. It may take and complete transactions.
type Handler func(c *cache.Cache)

// Option configures a Monitor
type Option func(*options)

type options struct {
	tickInterval  time.Duration
	writeInterval time.Duration
	logger        zerolog.Logger
	handler       Handler
}

func defaultOptions() options {
	return options{
		tickInterval:  internal.DefaultTickInterval,
		writeInterval: internal.DefaultWriteInterval,
		logger:        zerolog.Nop(),
	}
}

// WithTickInterval sets how often the cache is ticked
func WithTickInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tickInterval = d
		}
	}
}

// WithWriteInterval sets how often the cache is persisted
func WithWriteInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeInterval = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHandler sets the outstanding-changes handler
func WithHandler(h Handler) Option {
	return func(o *options) {
		o.handler = h
	}
}

// Monitor owns one cache. Watch callbacks only hand paths over a channel;
// every cache call happens on the goroutine running Run.
type Monitor struct {
	cache      *cache.Cache
	subscriber watcher.Subscriber
	opts       options
	logger     zerolog.Logger

	events chan []string

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	destroy    bool
	destroyErr error
}

// New creates a monitor for c. A nil subscriber runs without OS events,
// relying on explicit MarkDirty calls made from a Handler.
func New(c *cache.Cache, subscriber watcher.Subscriber, opts ...Option) *Monitor {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Monitor{
		cache:      c,
		subscriber: subscriber,
		opts:       o,
		logger:     o.logger.With().Str("component", "monitor").Str("root", c.Root()).Logger(),
		events:     make(chan []string, 64),
	}
}

// Root returns the monitored directory
func (m *Monitor) Root() string {
	return m.cache.Root()
}

// Run drives the cache until ctx is cancelled or Destroy is called. On a
// normal exit the cache is closed and its file kept.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	defer cancel()

	var sub watcher.Subscription
	if m.subscriber != nil {
		var err error
		sub, err = m.subscriber.Subscribe(m.Root(), func(events []watcher.Event) {
			m.forward(ctx, events)
		})
		if err != nil {
			m.logger.Warn().Err(err).Msg("watching unavailable, changes are only found by explicit marks")
		}
	}

	m.logger.Info().Msg("monitor started")
	m.loop(ctx)

	if sub != nil {
		if err := sub.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to close watch")
		}
	}
	return m.finish()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.tickInterval)
	defer ticker.Stop()
	writer := time.NewTicker(m.opts.writeInterval)
	defer writer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case paths := <-m.events:
			m.cache.MarkDirty(paths...)

		case <-ticker.C:
			m.cache.Tick()
			if m.opts.handler != nil && m.cache.HasOutstandingChanges() {
				m.opts.handler(m.cache)
			}

		case <-writer.C:
			if err := m.cache.WriteCache(); err != nil {
				m.logger.Warn().Err(err).Msg("failed to persist cache")
			}
		}
	}
}

// forward runs on the watch goroutine
func (m *Monitor) forward(ctx context.Context, events []watcher.Event) {
	paths := make([]string, len(events))
	for i, ev := range events {
		paths[i] = ev.Path
	}
	select {
	case m.events <- paths:
	case <-ctx.Done():
	}
}

func (m *Monitor) finish() error {
	m.mu.Lock()
	destroy := m.destroy
	m.mu.Unlock()

	var err error
	if destroy {
		err = m.cache.Destroy()
	} else {
		err = m.cache.Close()
	}
	if errors.Is(err, cache.ErrDestroyed) {
		err = nil
	}

	m.mu.Lock()
	m.running = false
	if destroy {
		m.destroyErr = err
		err = nil
	}
	close(m.done)
	m.mu.Unlock()

	m.logger.Info().Bool("destroyed", destroy).Msg("monitor stopped")
	return err
}

// Destroy stops the monitor and deletes its cache state and file. It waits
// for Run to return.
func (m *Monitor) Destroy() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return m.cache.Destroy()
	}
	m.destroy = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyErr
}
