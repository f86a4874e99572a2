package watcher

import (
	"context"
	"time"
)

// EventType is the kind of change the OS reported. It is a hint only:
// consumers re-verify every path against the filesystem.
type EventType int

const (
	// EventCreate represents file/directory creation
	EventCreate EventType = iota
	// EventWrite represents file modification
	EventWrite
	// EventRemove represents file/directory removal
	EventRemove
	// EventRename represents the old name of a renamed file/directory
	EventRename
	// EventChmod represents attribute changes
	EventChmod
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventWrite:
		return "write"
	case EventRemove:
		return "remove"
	case EventRename:
		return "rename"
	case EventChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Event represents a file system event
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
	IsDir     bool
}

// Watcher defines the interface for file system watching
type Watcher interface {
	// Start begins watching the specified paths
	Start(ctx context.Context, paths []string) error

	// Events returns a channel of file system events
	Events() <-chan Event

	// Errors returns a channel of errors encountered during watching
	Errors() <-chan error

	// Close stops watching and cleans up resources
	Close() error

	// Add adds paths to watch
	Add(paths ...string) error

	// Remove removes paths from watching
	Remove(paths ...string) error
}

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	// DebounceDelay is the quiet period a path needs before its events
	// are delivered. Zero delivers events as they arrive.
	DebounceDelay time.Duration

	// MaxDebounceDelay caps how long a continuously changing path is held
	MaxDebounceDelay time.Duration

	// QueueCapacity is the capacity of the event channel
	QueueCapacity int
}

// Debouncer handles event debouncing
type Debouncer interface {
	// Add adds an event to be debounced
	Add(event Event)

	// Events returns debounced events
	Events() <-chan []Event

	// Close stops the debouncer
	Close()
}

// Subscription is a live registration returned by Subscribe
type Subscription interface {
	Close() error
}

// Subscriber delivers batches of events for a directory tree to a
// callback. The callback runs on a goroutine owned by the subscription and
// must not block for long.
type Subscriber interface {
	Subscribe(path string, callback func([]Event)) (Subscription, error)
}
