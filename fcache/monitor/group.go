package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/filecache/fcache/cache"
	"github.com/ZanzyTHEbar/filecache/fcache/watcher"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrDuplicateRoot is returned when a root is already monitored
	ErrDuplicateRoot = errors.New("root is already monitored")
	// ErrUnknownRoot is returned for roots the group does not hold
	ErrUnknownRoot = errors.New("root is not monitored")
	// ErrGroupRunning is returned by Add once Run has started
	ErrGroupRunning = errors.New("monitor group is running")
)

// Group is an explicit registry of monitors keyed by root directory
type Group struct {
	subscriber watcher.Subscriber
	opts       []Option

	mu       sync.Mutex
	monitors map[string]*Monitor
	order    []string
	running  bool
}

// NewGroup creates a group whose monitors share subscriber and opts
func NewGroup(subscriber watcher.Subscriber, opts ...Option) *Group {
	return &Group{
		subscriber: subscriber,
		opts:       opts,
		monitors:   make(map[string]*Monitor),
	}
}

// Add registers a monitor for c
func (g *Group) Add(c *cache.Cache, opts ...Option) (*Monitor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return nil, ErrGroupRunning
	}
	root := c.Root()
	if _, ok := g.monitors[root]; ok {
		return nil, fmt.Errorf("%s: %w", root, ErrDuplicateRoot)
	}

	m := New(c, g.subscriber, append(append([]Option(nil), g.opts...), opts...)...)
	g.monitors[root] = m
	g.order = append(g.order, root)
	return m, nil
}

// Get returns the monitor for root
func (g *Group) Get(root string) (*Monitor, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.monitors[root]
	return m, ok
}

// Roots returns the monitored roots in registration order
func (g *Group) Roots() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

// Run runs every monitor until ctx is cancelled. The first monitor error
// stops the others.
func (g *Group) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return ErrGroupRunning
	}
	g.running = true
	monitors := make([]*Monitor, 0, len(g.order))
	for _, root := range g.order {
		monitors = append(monitors, g.monitors[root])
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	for _, m := range monitors {
		eg.Go(func() error {
			if err := m.Run(ctx); err != nil {
				return fmt.Errorf("monitor %s: %w", m.Root(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Destroy stops the monitor for root, deletes its cache file and removes it
// from the group.
func (g *Group) Destroy(root string) error {
	g.mu.Lock()
	m, ok := g.monitors[root]
	if ok {
		delete(g.monitors, root)
		for i, r := range g.order {
			if r == root {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", root, ErrUnknownRoot)
	}
	return m.Destroy()
}
