// Package hasher computes content hashes for a fixed batch of files in
// budgeted steps and publishes results incrementally.
//
// One goroutine drives the Hasher (Tick or Run) while its owner polls
// IsComplete and drains GetCompletedData from another.
package hasher

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/rs/zerolog"
)

// DefaultChunkSize is the read size used while streaming a file
const DefaultChunkSize = 1024 * 1024

// Status is the outcome of one Tick
type Status int

const (
	Pending Status = iota
	Finished
)

// Entry pairs a root-relative path with a hash. On input Hash is a
// placeholder; on output it is the computed digest, or the null sentinel if
// the file could not be read.
type Entry struct {
	Path string
	Hash snapshot.Hash
}

// Option configures a Hasher
type Option func(*Hasher)

// WithChunkSize overrides the streaming read size
func WithChunkSize(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// WithLogger sets the logger used for unreadable files
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hasher) {
		h.logger = logger
	}
}

// Hasher hashes its entries in insertion order
type Hasher struct {
	root    string
	entries []Entry

	// owned by the driving goroutine
	next      int
	buf       []byte
	chunkSize int

	progress  atomic.Int64
	bytesRead atomic.Int64

	mu        sync.Mutex
	completed []Entry

	logger zerolog.Logger
	timer  *common.TimeUtils
}

// New creates a hasher over entries, whose paths are relative to root
func New(root string, entries []Entry, opts ...Option) *Hasher {
	h := &Hasher{
		root:      root,
		entries:   append([]Entry(nil), entries...),
		chunkSize: DefaultChunkSize,
		logger:    zerolog.Nop(),
		timer:     common.NewTimeUtils(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Len returns the number of files in the batch
func (h *Hasher) Len() int {
	return len(h.entries)
}

// IsComplete reports whether every file has been hashed. Safe from any
// goroutine.
func (h *Hasher) IsComplete() bool {
	return h.progress.Load() >= int64(len(h.entries))
}

// Progress returns how many files are done out of the total. Safe from any
// goroutine.
func (h *Hasher) Progress() (done, total int) {
	return int(h.progress.Load()), len(h.entries)
}

// BytesRead returns the bytes consumed so far. Safe from any goroutine.
func (h *Hasher) BytesRead() int64 {
	return h.bytesRead.Load()
}

// GetCompletedData returns every result published since the previous call
func (h *Hasher) GetCompletedData() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.completed
	h.completed = nil
	return out
}

// Tick hashes whole files until budget is spent. A file is never abandoned
// half-read, so one large file may overrun the budget.
func (h *Hasher) Tick(budget time.Duration) Status {
	return h.tick(context.Background(), h.timer.Deadline(budget))
}

// Run drives the hasher to completion, checking ctx between files. It
// returns ctx.Err() when cancelled before the batch is done.
func (h *Hasher) Run(ctx context.Context, budget time.Duration) error {
	for {
		if h.tick(ctx, h.timer.Deadline(budget)) == Finished {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (h *Hasher) tick(ctx context.Context, deadline time.Time) Status {
	if h.buf == nil {
		h.buf = make([]byte, h.chunkSize)
	}

	for h.next < len(h.entries) {
		if ctx.Err() != nil {
			return Pending
		}

		entry := h.entries[h.next]
		abs := filepath.Join(h.root, filepath.FromSlash(entry.Path))
		hash, n, err := HashFile(abs, h.buf)
		if err != nil {
			h.logger.Debug().Err(err).Str("file", entry.Path).Msg("could not hash file")
			hash = snapshot.Hash{}
		}
		h.bytesRead.Add(n)

		h.mu.Lock()
		h.completed = append(h.completed, Entry{Path: entry.Path, Hash: hash})
		h.mu.Unlock()

		h.next++
		h.progress.Add(1)

		if !time.Now().Before(deadline) {
			break
		}
	}

	if h.next >= len(h.entries) {
		return Finished
	}
	return Pending
}

// HashFile streams the file at path through MD5 using buf as the read
// buffer and returns the digest and the number of bytes read.
func HashFile(path string, buf []byte) (snapshot.Hash, int64, error) {
	var hash snapshot.Hash

	f, err := os.Open(path)
	if err != nil {
		return hash, 0, err
	}
	defer f.Close()

	if len(buf) == 0 {
		buf = make([]byte, DefaultChunkSize)
	}

	digest := md5.New()
	n, err := io.CopyBuffer(digest, onlyReader{f}, buf)
	if err != nil {
		return hash, n, fmt.Errorf("failed to read %s: %w", path, err)
	}
	copy(hash[:], digest.Sum(nil))
	return hash, n, nil
}

// onlyReader hides WriterTo/ReaderFrom so io.CopyBuffer uses buf
type onlyReader struct {
	io.Reader
}
