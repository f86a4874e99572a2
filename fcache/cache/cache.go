// Package cache keeps an authoritative snapshot of a directory tree and
// turns filesystem changes into provisional transactions that consumers
// commit explicitly.
//
// A Cache is owned by a single goroutine: Tick, the query methods and the
// mutating methods must all be called from it. Background hashing runs on
// a worker pool and only hands results back through the hasher's queue.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/filecache/fcache"
	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/diff"
	"github.com/ZanzyTHEbar/filecache/fcache/hasher"
	"github.com/ZanzyTHEbar/filecache/fcache/matching"
	"github.com/ZanzyTHEbar/filecache/fcache/scanner"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ErrDestroyed is returned by calls made after Destroy
var ErrDestroyed = errors.New("cache has been destroyed")

// State is the lifecycle of a Cache
type State int

const (
	Uninitialized State = iota
	InitialScanning
	MoveDetectionPending
	SteadyState
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case InitialScanning:
		return "initial-scanning"
	case MoveDetectionPending:
		return "move-detection-pending"
	case SteadyState:
		return "steady-state"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// minWorkers covers the startup hasher plus one live reconciliation hasher,
// so submitting a task never waits for a free worker.
const minWorkers = 2

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithCollector publishes metrics through col
func WithCollector(col *common.Collector) Option {
	return func(c *Cache) {
		c.metrics = col
	}
}

// WithTickBudget bounds the work done by each background step
func WithTickBudget(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithWorkers sets the size of the background pool
func WithWorkers(n int) Option {
	return func(c *Cache) {
		c.workers = max(n, minWorkers)
	}
}

// Stats is a point-in-time summary of a Cache
type Stats struct {
	State           State
	TrackedFiles    int
	Pending         int
	DirtyPaths      int
	Expectations    int
	Hashing         bool
	UnsavedChanges  bool
	ScanFiles       int64
	ScanDirectories int64
	ScanFailures    int64
}

// Cache tracks one directory tree
type Cache struct {
	cfg     Config
	root    string
	logger  zerolog.Logger
	metrics *common.Collector
	budget  time.Duration
	workers int

	state    State
	snap     *snapshot.Snapshot // authoritative
	previous *snapshot.Snapshot // loaded from disk, nil if none was usable
	pruned   bool               // previous was changed by the current rules
	dirty    bool               // snap differs from what is on disk
	ownFile  string             // relative path of the cache file when under root

	scan        *scanner.Scanner
	scanMetrics *common.ScanMetrics
	scanned     *snapshot.Snapshot
	startupHash *hasher.Hasher

	pending    []diff.Transaction
	dirtyPaths map[string]struct{}
	inflight   *pass
	expected   map[string]expectation

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *pool.ContextPool
	closed bool

	buf []byte
}

// New creates a cache for cfg and loads any persisted snapshot. Scanning
// starts on the first Tick.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if cfg.Rules == nil {
		cfg.Rules = matching.New()
	}

	root, err := filepath.Abs(cfg.RootDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", cfg.RootDirectory, err)
	}
	cfg.RootDirectory = root

	if cfg.CacheFilePath != "" {
		cfg.CacheFilePath, err = filepath.Abs(cfg.CacheFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache file %s: %w", cfg.CacheFilePath, err)
		}
	}

	c := &Cache{
		cfg:        cfg,
		root:       root,
		logger:     zerolog.Nop(),
		budget:     internal.DefaultTickBudget,
		workers:    minWorkers,
		state:      Uninitialized,
		snap:       snapshot.New(cfg.Rules),
		dirtyPaths: make(map[string]struct{}),
		expected:   make(map[string]expectation),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "cache").Str("root", root).Logger()

	if cfg.CacheFilePath != "" {
		if rel, err := common.RelativeTo(root, cfg.CacheFilePath); err == nil && rel != "" {
			c.ownFile = rel
		}
		c.previous = c.load()
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.tasks = pool.New().WithMaxGoroutines(c.workers).WithContext(c.ctx)
	return c, nil
}

// load reads the persisted snapshot. Anything unusable counts as no cache.
func (c *Cache) load() *snapshot.Snapshot {
	prev, err := snapshot.Load(c.cfg.CacheFilePath)
	if err != nil {
		c.logger.Warn().Err(err).Str("file", c.cfg.CacheFilePath).Msg("ignoring unreadable cache file, rescanning")
		return nil
	}
	if prev == nil {
		return nil
	}

	rulesChanged := !prev.Rules().Equal(c.cfg.Rules)
	dropped := prev.Prune(c.cfg.Rules)
	var owned []string
	prev.Walk(func(p string, _ snapshot.FileRecord) bool {
		if c.owns(p) {
			owned = append(owned, p)
		}
		return true
	})
	for _, p := range owned {
		prev.Delete(p)
	}
	dropped = append(dropped, owned...)
	if rulesChanged || len(dropped) > 0 {
		c.pruned = true
		c.logger.Info().
			Bool("rules_changed", rulesChanged).
			Int("dropped", len(dropped)).
			Msg("cached entries pruned by current match rules")
	}
	c.logger.Debug().Int("files", prev.Len()).Msg("loaded cache file")
	return prev
}

// Tick advances background work by one step and returns the resulting
// state. It never blocks on I/O beyond its budget and never fails; problems
// are logged.
func (c *Cache) Tick() State {
	if c.closed {
		return c.state
	}
	switch c.state {
	case Uninitialized:
		c.startScan()
	case InitialScanning:
		c.tickScan()
	case MoveDetectionPending:
		c.tickStartupHash()
	case SteadyState:
		c.reconcile()
	}
	return c.state
}

func (c *Cache) startScan() {
	logger := c.logger
	c.scan = scanner.New(c.root, scanner.Options{
		Rules:         c.cfg.Rules,
		Previous:      c.previous,
		RequireHashes: c.cfg.RequiresHashing(),
		Exclude:       c.owns,
		Logger:        &logger,
	})
	c.scanMetrics = c.scan.Metrics()
	c.state = InitialScanning
	c.logger.Debug().Msg("initial scan started")
}

func (c *Cache) tickScan() {
	if c.scan.Tick(c.budget) == scanner.Pending {
		return
	}

	scanned, needHash := c.scan.Result()
	c.scanned = scanned
	c.metrics.ScanCompleted(c.root)

	if len(needHash) == 0 {
		c.finishStartup()
		return
	}

	entries := make([]hasher.Entry, len(needHash))
	for i, p := range needHash {
		entries[i] = hasher.Entry{Path: p}
	}
	c.startupHash = hasher.New(c.root, entries, hasher.WithLogger(c.logger))
	c.spawn(c.startupHash)
	c.state = MoveDetectionPending
	c.logger.Debug().Int("files", len(entries)).Msg("hashing files for change detection")
}

func (c *Cache) tickStartupHash() {
	// read completion first so the drain below sees every result
	complete := c.startupHash.IsComplete()
	for _, e := range c.startupHash.GetCompletedData() {
		if rec, ok := c.scanned.Get(e.Path); ok {
			c.scanned.Set(e.Path, rec.WithHash(e.Hash))
		}
	}
	if !complete {
		return
	}

	c.metrics.Hashed(c.root, c.startupHash.Len(), c.startupHash.BytesRead())
	c.startupHash = nil
	c.finishStartup()
}

// finishStartup installs the authoritative snapshot once the in-flight
// snapshot is complete.
func (c *Cache) finishStartup() {
	scanned := c.scanned
	prev := c.previous
	c.scan, c.scanned, c.previous = nil, nil, nil

	switch {
	case prev == nil:
		c.snap = scanned
		c.dirty = true
		c.settleExpectations(scanned)
		c.logger.Info().Int("files", scanned.Len()).Msg("no usable cache, scan is the new baseline")

	case c.cfg.DetectChangesSinceLastRun:
		res := diff.Diff(prev, scanned, c.cfg.diffOptions())
		c.snap = prev
		c.dirty = c.pruned || len(res.Refreshed) > 0
		c.fold(res.Refreshed)
		c.enqueue(c.consumeExpectations(res.Transactions))
		c.logger.Info().
			Int("files", scanned.Len()).
			Int("changes", len(res.Transactions)).
			Msg("detected changes since last run")

	default:
		c.snap = scanned
		c.dirty = c.pruned || !prev.Equal(scanned)
		c.settleExpectations(scanned)
		c.logger.Info().Int("files", scanned.Len()).Msg("folded changes since last run into baseline")
	}

	c.snap.SetRules(c.cfg.Rules)
	c.state = SteadyState
}

// spawn submits a hasher to the pool. The pool never holds more than
// minWorkers hashers, so this does not wait.
func (c *Cache) spawn(h *hasher.Hasher) {
	budget := c.budget
	c.tasks.Go(func(ctx context.Context) error {
		return h.Run(ctx, budget)
	})
}

// State returns the lifecycle state
func (c *Cache) State() State {
	return c.state
}

// Root returns the absolute monitored directory
func (c *Cache) Root() string {
	return c.root
}

// Config returns the effective configuration
func (c *Cache) Config() Config {
	return c.cfg
}

// MarkDirty queues paths for re-verification against the filesystem. Paths
// may be absolute (under the root) or relative to it; anything else is
// ignored. Paths naming directories cover everything beneath them.
func (c *Cache) MarkDirty(paths ...string) {
	if c.state == Destroyed {
		return
	}
	for _, p := range paths {
		rel, err := common.RelativeTo(c.root, p)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", p).Msg("ignoring event outside root")
			continue
		}
		if c.owns(rel) {
			continue
		}
		c.dirtyPaths[rel] = struct{}{}
	}
}

// FindFileRecord returns the authoritative record for path. It does not
// reflect transactions that have not been completed.
func (c *Cache) FindFileRecord(p string) (snapshot.FileRecord, bool) {
	rel, err := common.RelativeTo(c.root, p)
	if err != nil || rel == "" {
		return snapshot.FileRecord{}, false
	}
	return c.snap.Get(rel)
}

// HasOutstandingChanges reports whether transactions are waiting
func (c *Cache) HasOutstandingChanges() bool {
	return len(c.pending) > 0
}

// GetOutstandingChanges hands every pending transaction to the caller in
// detection order. The pending set is left empty.
func (c *Cache) GetOutstandingChanges() []diff.Transaction {
	return c.FilterOutstandingChanges(func(diff.Transaction) bool { return true })
}

// FilterOutstandingChanges hands over the pending transactions accepted by
// pred and keeps the rest pending.
func (c *Cache) FilterOutstandingChanges(pred func(diff.Transaction) bool) []diff.Transaction {
	var out []diff.Transaction
	kept := c.pending[:0]
	for _, tx := range c.pending {
		external := c.present(tx)
		if pred(external) {
			out = append(out, external)
			continue
		}
		kept = append(kept, tx)
	}
	clear(c.pending[len(kept):])
	c.pending = kept
	c.metrics.SetPending(c.root, len(c.pending))
	return out
}

// CompleteTransaction commits tx to the authoritative snapshot. Completing
// the same transaction twice is a caller error.
func (c *Cache) CompleteTransaction(tx diff.Transaction) error {
	if c.state == Destroyed {
		return ErrDestroyed
	}
	internalTx, err := c.absorb(tx)
	if err != nil {
		return err
	}

	c.pending = slices.DeleteFunc(c.pending, func(p diff.Transaction) bool {
		return p.ID == tx.ID
	})
	diff.Apply(c.snap, internalTx)
	c.dirty = true
	c.logger.Debug().Stringer("tx", internalTx).Msg("transaction completed")
	return nil
}

// WriteCache persists the authoritative snapshot if it changed since the
// last write. Memory-only caches and caches still scanning write nothing.
func (c *Cache) WriteCache() error {
	if c.state == Destroyed {
		return ErrDestroyed
	}
	if c.cfg.CacheFilePath == "" || !c.dirty || c.state != SteadyState {
		return nil
	}
	if err := snapshot.Save(c.cfg.CacheFilePath, c.snap); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	c.dirty = false
	c.logger.Debug().Int("files", c.snap.Len()).Str("file", c.cfg.CacheFilePath).Msg("cache written")
	return nil
}

// Close writes the cache if needed and stops background work. The cache
// file is kept for the next run. Tick does nothing after Close.
func (c *Cache) Close() error {
	if c.state == Destroyed {
		return ErrDestroyed
	}
	if c.closed {
		return nil
	}
	writeErr := c.WriteCache()
	c.stopTasks()
	return writeErr
}

// Destroy stops background work, discards all state and deletes the cache
// file. The cache is unusable afterwards.
func (c *Cache) Destroy() error {
	if c.state == Destroyed {
		return ErrDestroyed
	}
	c.stopTasks()

	var err error
	if c.cfg.CacheFilePath != "" {
		if rmErr := os.Remove(c.cfg.CacheFilePath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("failed to delete cache file: %w", rmErr)
		}
	}

	c.snap = snapshot.New(c.cfg.Rules)
	c.previous, c.scanned, c.scan, c.startupHash, c.inflight = nil, nil, nil, nil, nil
	c.pending = nil
	c.dirtyPaths = make(map[string]struct{})
	c.expected = make(map[string]expectation)
	c.dirty = false
	c.state = Destroyed
	c.metrics.SetPending(c.root, 0)
	c.logger.Info().Msg("cache destroyed")
	return err
}

// stopTasks cancels background hashing and waits for every task to reach a
// checkpoint. Results of abandoned tasks are never applied.
func (c *Cache) stopTasks() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	if err := c.tasks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("background task failed")
	}
}

// Stats summarises the cache
func (c *Cache) Stats() Stats {
	st := Stats{
		State:          c.state,
		TrackedFiles:   c.snap.Len(),
		Pending:        len(c.pending),
		DirtyPaths:     len(c.dirtyPaths),
		Expectations:   len(c.expected),
		Hashing:        c.startupHash != nil || (c.inflight != nil && c.inflight.hasher != nil),
		UnsavedChanges: c.dirty,
	}
	if m := c.scanMetrics; m != nil {
		m.Mu.RLock()
		defer m.Mu.RUnlock()
		st.ScanFiles = m.TotalFiles
		st.ScanDirectories = m.TotalDirectories
		st.ScanFailures = m.FailedOps
	}
	return st
}

func (c *Cache) enqueue(txs []diff.Transaction) {
	for _, tx := range txs {
		c.metrics.Transaction(c.root, tx.Action.String())
		c.logger.Debug().Stringer("tx", tx).Msg("change detected")
	}
	c.pending = append(c.pending, txs...)
	c.metrics.SetPending(c.root, len(c.pending))
}

func (c *Cache) fold(records map[string]snapshot.FileRecord) {
	for p, rec := range records {
		c.snap.Set(p, rec)
	}
	if len(records) > 0 {
		c.dirty = true
	}
}

// withdraw removes pending transactions touching any of paths and returns
// every path they involved.
func (c *Cache) withdraw(paths map[string]struct{}) []string {
	var touched []string
	kept := c.pending[:0]
	for _, tx := range c.pending {
		hit := false
		for _, p := range tx.Paths() {
			if _, ok := paths[p]; ok {
				hit = true
				break
			}
		}
		if hit {
			touched = append(touched, tx.Paths()...)
			continue
		}
		kept = append(kept, tx)
	}
	clear(c.pending[len(kept):])
	c.pending = kept
	return touched
}

// owns reports whether rel is the cache file or one of its temporary files
func (c *Cache) owns(rel string) bool {
	if c.ownFile == "" {
		return false
	}
	if rel == c.ownFile {
		return true
	}
	return path.Dir(rel) == path.Dir(c.ownFile) &&
		strings.HasPrefix(path.Base(rel), ".tmp-"+path.Base(c.ownFile)+"-")
}

func (c *Cache) abs(rel string) string {
	return filepath.Join(c.root, filepath.FromSlash(rel))
}

// present converts an internal transaction to the configured path style
func (c *Cache) present(tx diff.Transaction) diff.Transaction {
	if c.cfg.PathStyle != PathAbsolute {
		return tx
	}
	tx.Path = c.abs(tx.Path)
	if tx.MovedFrom != "" {
		tx.MovedFrom = c.abs(tx.MovedFrom)
	}
	return tx
}

// absorb converts a caller transaction back to root-relative paths
func (c *Cache) absorb(tx diff.Transaction) (diff.Transaction, error) {
	rel, err := c.relative(tx.Path)
	if err != nil {
		return tx, err
	}
	tx.Path = rel
	if tx.Action == diff.Moved {
		if tx.MovedFrom, err = c.relative(tx.MovedFrom); err != nil {
			return tx, err
		}
	}
	return tx, nil
}

func (c *Cache) relative(p string) (string, error) {
	rel, err := common.RelativeTo(c.root, p)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return "", fmt.Errorf("%s: %w", p, common.ErrPathInvalid)
	}
	return rel, nil
}
