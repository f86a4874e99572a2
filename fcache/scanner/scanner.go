// Package scanner enumerates a directory tree in budgeted steps and builds a
// fresh snapshot of every tracked file.
package scanner

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/matching"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/rs/zerolog"
)

// State is the lifecycle position of a Scanner
type State int

const (
	NotStarted State = iota
	Scanning
	Complete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Scanning:
		return "scanning"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Status is the outcome of one Tick
type Status int

const (
	Pending Status = iota
	Finished
)

// Options configures a scan
type Options struct {
	// Rules selects tracked files. Nil tracks everything.
	Rules *matching.Rules

	// Previous supplies hashes for files whose timestamp is unchanged
	Previous *snapshot.Snapshot

	// RequireHashes makes the scanner report files still lacking a hash
	RequireHashes bool

	// Exclude reports relative paths that are never tracked
	Exclude func(rel string) bool

	Logger *zerolog.Logger
}

type pendingFile struct {
	rel   string
	entry fs.DirEntry
}

// Scanner is a resumable directory enumeration. It is driven by a single
// goroutine calling Tick until it reports Finished.
type Scanner struct {
	root   string
	opts   Options
	logger zerolog.Logger

	state    State
	dirs     []string
	files    []pendingFile
	result   *snapshot.Snapshot
	needHash []string

	metrics *common.ScanMetrics
	started time.Time
	timer   *common.TimeUtils
}

// New creates a scanner for root. Nothing touches the filesystem until the
// first Tick.
func New(root string, opts Options) *Scanner {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Rules == nil {
		opts.Rules = matching.New()
	}
	return &Scanner{
		root:    root,
		opts:    opts,
		logger:  logger.With().Str("component", "scanner").Str("root", root).Logger(),
		state:   NotStarted,
		metrics: &common.ScanMetrics{},
		timer:   common.NewTimeUtils(),
	}
}

// State returns the current lifecycle state
func (s *Scanner) State() State {
	return s.state
}

// Metrics returns counters gathered so far
func (s *Scanner) Metrics() *common.ScanMetrics {
	return s.metrics
}

// Result returns the built snapshot and the relative paths that still need
// a content hash, in discovery order. Both are nil until the scan completes.
func (s *Scanner) Result() (*snapshot.Snapshot, []string) {
	if s.state != Complete {
		return nil, nil
	}
	return s.result, s.needHash
}

// Tick performs directory listings and file stats until budget is spent.
// At least one unit of work is done per call; a single directory listing or
// file stat is never interrupted.
func (s *Scanner) Tick(budget time.Duration) Status {
	switch s.state {
	case Complete:
		return Finished
	case NotStarted:
		s.start()
	}

	deadline := s.timer.Deadline(budget)
	for {
		switch {
		case len(s.files) > 0:
			next := s.files[0]
			s.files = s.files[1:]
			s.processFile(next)
		case len(s.dirs) > 0:
			next := s.dirs[0]
			s.dirs = s.dirs[1:]
			s.processDirectory(next)
		default:
			s.finish()
			return Finished
		}

		if !time.Now().Before(deadline) {
			return Pending
		}
	}
}

func (s *Scanner) start() {
	s.state = Scanning
	s.started = time.Now()
	s.result = snapshot.New(s.opts.Rules)
	s.dirs = []string{""}
	s.logger.Debug().Msg("scan started")
}

func (s *Scanner) finish() {
	s.state = Complete
	s.files = nil
	s.dirs = nil
	s.metrics.UpdateMetrics(s.started)
	s.logger.Debug().
		Fields(s.metrics.GetMetrics()).
		Int("need_hash", len(s.needHash)).
		Str("took", s.timer.FormatDuration(s.metrics.Duration)).
		Msg("scan finished")
}

func (s *Scanner) processDirectory(rel string) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(abs)
	if err != nil {
		s.metrics.RecordDirectory(false)
		event := s.logger.Warn()
		if common.IsTransientError(err) {
			event = s.logger.Debug()
		}
		event.Err(err).Str("dir", rel).Msg("skipping unreadable directory")
		return
	}
	s.metrics.RecordDirectory(true)

	for _, entry := range entries {
		child := entry.Name()
		if rel != "" {
			child = path.Join(rel, child)
		}

		if entry.IsDir() {
			s.dirs = append(s.dirs, child)
			continue
		}
		s.files = append(s.files, pendingFile{rel: child, entry: entry})
	}
}

func (s *Scanner) processFile(pf pendingFile) {
	if (s.opts.Exclude != nil && s.opts.Exclude(pf.rel)) || !s.opts.Rules.Matches(pf.rel) {
		return
	}

	info, err := s.statEntry(pf)
	if err != nil {
		s.metrics.RecordSkip()
		s.logger.Debug().Err(err).Str("file", pf.rel).Msg("skipping file that could not be stat'ed")
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	rec := snapshot.FileRecord{Timestamp: info.ModTime().UnixNano()}
	if s.opts.Previous != nil {
		if prev, ok := s.opts.Previous.Get(pf.rel); ok && prev.Timestamp == rec.Timestamp && prev.HasHash() {
			rec.Hash = prev.Hash
		}
	}
	if s.opts.RequireHashes && !rec.HasHash() {
		s.needHash = append(s.needHash, pf.rel)
	}

	s.result.Set(pf.rel, rec)
	s.metrics.RecordFile()
}

// statEntry resolves symlinks to their target; symlinked directories are
// not followed.
func (s *Scanner) statEntry(pf pendingFile) (fs.FileInfo, error) {
	if pf.entry.Type()&fs.ModeSymlink != 0 {
		return os.Stat(filepath.Join(s.root, filepath.FromSlash(pf.rel)))
	}
	return pf.entry.Info()
}
