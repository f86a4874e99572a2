package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSNotifyWatcher implements the Watcher interface using fsnotify. Watches
// are recursive: directories created under a watched tree are added as
// they appear.
type FSNotifyWatcher struct {
	watcher      *fsnotify.Watcher
	eventChan    chan Event
	errorChan    chan error
	debouncer    Debouncer
	config       WatcherConfig
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	watchedPaths map[string]bool
	closeOnce    sync.Once
}

// NewFSNotifyWatcher creates a new fsnotify-based watcher
func NewFSNotifyWatcher(config WatcherConfig) (*FSNotifyWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultConfig().QueueCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &FSNotifyWatcher{
		watcher:      fsWatcher,
		eventChan:    make(chan Event, config.QueueCapacity),
		errorChan:    make(chan error, 10),
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		watchedPaths: make(map[string]bool),
	}

	if config.DebounceDelay > 0 {
		w.debouncer = NewDebouncer(config.DebounceDelay, config.MaxDebounceDelay, config.QueueCapacity)
	}

	return w, nil
}

// Start begins watching the specified paths. The watcher stops when ctx is
// cancelled or Close is called.
func (w *FSNotifyWatcher) Start(ctx context.Context, paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range paths {
		if err := w.addPathRecursive(path); err != nil {
			slog.Warn("Failed to add path to watcher", "path", path, "error", err)
			continue
		}
		w.watchedPaths[path] = true
	}

	w.wg.Add(1)
	go w.processEvents()

	w.wg.Add(1)
	go w.watchLoop()

	go func() {
		select {
		case <-ctx.Done():
			w.cancel()
		case <-w.ctx.Done():
		}
	}()

	slog.Info("FSNotify watcher started", "paths", len(paths))
	return nil
}

// Events returns the event channel
func (w *FSNotifyWatcher) Events() <-chan Event {
	return w.eventChan
}

// Errors returns the error channel
func (w *FSNotifyWatcher) Errors() <-chan error {
	return w.errorChan
}

// Add adds paths to watch
func (w *FSNotifyWatcher) Add(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range paths {
		if err := w.addPathRecursive(path); err != nil {
			return fmt.Errorf("failed to add path %s: %w", path, err)
		}
		w.watchedPaths[path] = true
	}

	slog.Debug("Added paths to watcher", "count", len(paths))
	return nil
}

// Remove removes paths from watching
func (w *FSNotifyWatcher) Remove(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range paths {
		if err := w.watcher.Remove(path); err != nil {
			slog.Warn("Failed to remove path from watcher", "path", path, "error", err)
		}
		delete(w.watchedPaths, path)
	}

	slog.Debug("Removed paths from watcher", "count", len(paths))
	return nil
}

// Close stops watching and cleans up resources
func (w *FSNotifyWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()

		if err := w.watcher.Close(); err != nil {
			slog.Warn("Error closing fsnotify watcher", "error", err)
		}

		if w.debouncer != nil {
			w.debouncer.Close()
		}

		w.wg.Wait()

		close(w.eventChan)
		close(w.errorChan)

		slog.Info("FSNotify watcher closed")
	})
	return nil
}

// addPathRecursive adds a path and all its subdirectories to the watcher
func (w *FSNotifyWatcher) addPathRecursive(rootPath string) error {
	if err := w.watcher.Add(rootPath); err != nil {
		return fmt.Errorf("failed to add root path %s: %w", rootPath, err)
	}

	return filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtree; keep watching the rest
			if d != nil && d.IsDir() && path != rootPath {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() && path != rootPath {
			if err := w.watcher.Add(path); err != nil {
				slog.Warn("Failed to add subdirectory to watcher", "path", path, "error", err)
			}
		}

		return nil
	})
}

// watchLoop is the main event processing loop
func (w *FSNotifyWatcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			watcherEvent := w.convertEvent(event)
			if watcherEvent == nil {
				continue
			}

			if watcherEvent.Type == EventCreate && watcherEvent.IsDir {
				w.mu.Lock()
				if err := w.addPathRecursive(watcherEvent.Path); err != nil {
					slog.Warn("Failed to watch new directory", "path", watcherEvent.Path, "error", err)
				} else {
					slog.Debug("Watching new directory", "path", watcherEvent.Path)
				}
				w.mu.Unlock()
			}

			if w.debouncer != nil {
				w.debouncer.Add(*watcherEvent)
			} else {
				w.emit(*watcherEvent)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errorChan <- err:
			case <-w.ctx.Done():
				return
			default:
				slog.Warn("Error channel full, dropping error", "error", err)
			}
		}
	}
}

// processEvents forwards debounced batches to the event channel
func (w *FSNotifyWatcher) processEvents() {
	defer w.wg.Done()

	if w.debouncer == nil {
		return
	}

	for {
		select {
		case <-w.ctx.Done():
			return

		case events, ok := <-w.debouncer.Events():
			if !ok {
				return
			}

			// one event per path is enough; its type is only a hint
			w.emit(events[len(events)-1])
		}
	}
}

// emit blocks rather than drop: a lost event is a missed change. A slow
// consumer pushes back onto fsnotify, which reports ErrEventOverflow.
func (w *FSNotifyWatcher) emit(event Event) {
	select {
	case w.eventChan <- event:
	case <-w.ctx.Done():
	}
}

// convertEvent converts fsnotify.Event to watcher.Event
func (w *FSNotifyWatcher) convertEvent(event fsnotify.Event) *Event {
	var eventType EventType

	switch {
	case event.Has(fsnotify.Create):
		eventType = EventCreate
	case event.Has(fsnotify.Write):
		eventType = EventWrite
	case event.Has(fsnotify.Remove):
		eventType = EventRemove
	case event.Has(fsnotify.Rename):
		eventType = EventRename
	case event.Has(fsnotify.Chmod):
		eventType = EventChmod
	default:
		return nil // Ignore unknown events
	}

	isDir := false
	if eventType == EventCreate {
		if info, err := os.Stat(event.Name); err == nil {
			isDir = info.IsDir()
		}
	}

	return &Event{
		Type:      eventType,
		Path:      event.Name,
		Timestamp: time.Now(),
		IsDir:     isDir,
	}
}
