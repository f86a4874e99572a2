package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultConfig returns a default watcher configuration
func DefaultConfig() WatcherConfig {
	return WatcherConfig{
		DebounceDelay:    100 * time.Millisecond,
		MaxDebounceDelay: 2 * time.Second,
		QueueCapacity:    1000,
	}
}

// FSNotifySubscriber implements Subscriber with one FSNotifyWatcher per
// subscription.
type FSNotifySubscriber struct {
	config WatcherConfig
}

// NewSubscriber creates a subscriber using config for every watch
func NewSubscriber(config WatcherConfig) *FSNotifySubscriber {
	return &FSNotifySubscriber{config: config}
}

// Subscribe watches the tree at path and delivers events to callback in
// batches. When the OS drops events the callback receives a single event
// for path itself, which consumers treat as "re-verify everything".
func (s *FSNotifySubscriber) Subscribe(path string, callback func([]Event)) (Subscription, error) {
	w, err := NewFSNotifyWatcher(s.config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx, []string{path}); err != nil {
		cancel()
		_ = w.Close()
		return nil, fmt.Errorf("failed to start watching %s: %w", path, err)
	}

	sub := &fsnotifySubscription{
		watcher: w,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.deliver(path, callback)
	return sub, nil
}

type fsnotifySubscription struct {
	watcher *FSNotifyWatcher
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// deliver batches whatever events are immediately available so a burst
// reaches the callback as one call.
func (s *fsnotifySubscription) deliver(root string, callback func([]Event)) {
	defer close(s.done)

	events := s.watcher.Events()
	errs := s.watcher.Errors()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			batch := []Event{event}
		drain:
			for {
				select {
				case more, ok := <-events:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			callback(batch)

		case err, ok := <-errs:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("Watcher overflowed, requesting full re-verification", "path", root)
				callback([]Event{{Type: EventWrite, Path: root, Timestamp: time.Now(), IsDir: true}})
				continue
			}
			slog.Error("Watcher error", "path", root, "error", err)
		}
	}
}

// Close stops the watch and waits for an in-progress callback to return
func (s *fsnotifySubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.watcher.Close()
		<-s.done
	})
	return err
}
