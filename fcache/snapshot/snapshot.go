package snapshot

import (
	"strings"

	"github.com/ZanzyTHEbar/filecache/fcache/matching"

	"github.com/armon/go-radix"
)

// Snapshot maps slash-separated relative paths to FileRecords, ordered by
// path, and remembers the rules that produced it.
//
// A Snapshot is not safe for concurrent use. The cache owns one
// authoritative instance and only touches it from its owning goroutine.
type Snapshot struct {
	rules *matching.Rules
	files *radix.Tree
}

// New creates an empty snapshot tagged with rules
func New(rules *matching.Rules) *Snapshot {
	if rules == nil {
		rules = matching.New()
	}
	return &Snapshot{
		rules: rules,
		files: radix.New(),
	}
}

// Rules returns the rules the snapshot was built with
func (s *Snapshot) Rules() *matching.Rules {
	return s.rules
}

// SetRules retags the snapshot without touching its entries
func (s *Snapshot) SetRules(rules *matching.Rules) {
	s.rules = rules
}

// Len returns the number of tracked files
func (s *Snapshot) Len() int {
	return s.files.Len()
}

// Get looks up the record for path
func (s *Snapshot) Get(path string) (FileRecord, bool) {
	v, ok := s.files.Get(path)
	if !ok {
		return FileRecord{}, false
	}
	return v.(FileRecord), true
}

// Has reports whether path is tracked
func (s *Snapshot) Has(path string) bool {
	_, ok := s.files.Get(path)
	return ok
}

// Set inserts or replaces the record for path
func (s *Snapshot) Set(path string, rec FileRecord) {
	s.files.Insert(path, rec)
}

// Delete removes path and reports whether it was present
func (s *Snapshot) Delete(path string) bool {
	_, ok := s.files.Delete(path)
	return ok
}

// Walk visits every entry in path order until fn returns false
func (s *Snapshot) Walk(fn func(path string, rec FileRecord) bool) {
	s.files.Walk(func(k string, v interface{}) bool {
		return !fn(k, v.(FileRecord))
	})
}

// WalkDir visits every entry beneath the directory dir in path order.
// An empty dir walks the whole snapshot.
func (s *Snapshot) WalkDir(dir string, fn func(path string, rec FileRecord) bool) {
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		s.Walk(fn)
		return
	}
	s.files.WalkPrefix(dir+"/", func(k string, v interface{}) bool {
		return !fn(k, v.(FileRecord))
	})
}

// Paths returns every tracked path in order
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, s.files.Len())
	s.Walk(func(path string, _ FileRecord) bool {
		paths = append(paths, path)
		return true
	})
	return paths
}

// Clone returns a deep copy sharing the (read-only) rules
func (s *Snapshot) Clone() *Snapshot {
	c := New(s.rules)
	s.Walk(func(path string, rec FileRecord) bool {
		c.files.Insert(path, rec)
		return true
	})
	return c
}

// Prune removes every entry rules no longer match, retags the snapshot with
// rules and returns the removed paths.
func (s *Snapshot) Prune(rules *matching.Rules) []string {
	var removed []string
	s.Walk(func(path string, _ FileRecord) bool {
		if !rules.Matches(path) {
			removed = append(removed, path)
		}
		return true
	})
	for _, path := range removed {
		s.files.Delete(path)
	}
	s.rules = rules
	return removed
}

// Equal reports whether both snapshots hold the same entries and rules
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.Len() != other.Len() || !s.rules.Equal(other.rules) {
		return false
	}
	equal := true
	s.Walk(func(path string, rec FileRecord) bool {
		o, ok := other.Get(path)
		if !ok || o != rec {
			equal = false
		}
		return equal
	})
	return equal
}
