package cache

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/diff"
	"github.com/ZanzyTHEbar/filecache/fcache/hasher"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"
)

// pass is one reconciliation of a batch of dirty paths. Observations are
// taken when the pass starts; hashes that are still missing are computed in
// the background before the pass is classified.
type pass struct {
	live   map[string]*snapshot.FileRecord
	hasher *hasher.Hasher
	stale  map[string]struct{}
}

// reconcile finishes the in-flight pass when its hashes are ready, then
// starts a new pass over the paths marked dirty since.
func (c *Cache) reconcile() {
	if c.inflight != nil {
		if !c.drainPass() {
			return
		}
		c.finishPass()
	}
	if len(c.dirtyPaths) > 0 {
		c.startPass()
	}
}

func (c *Cache) startPass() {
	dirty := c.dirtyPaths
	c.dirtyPaths = make(map[string]struct{})

	files := c.expand(dirty)
	for _, p := range c.withdraw(files) {
		files[p] = struct{}{}
	}

	p := &pass{live: make(map[string]*snapshot.FileRecord, len(files))}
	var needHash []hasher.Entry
	for rel := range files {
		rec := c.observe(rel)
		p.live[rel] = rec
		if rec != nil && c.cfg.RequiresHashing() && !rec.HasHash() {
			needHash = append(needHash, hasher.Entry{Path: rel})
		}
	}
	c.inflight = p

	if len(needHash) == 0 {
		c.finishPass()
		return
	}
	slices.SortFunc(needHash, func(a, b hasher.Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	p.hasher = hasher.New(c.root, needHash, hasher.WithLogger(c.logger))
	c.spawn(p.hasher)
}

// drainPass copies finished hashes into the in-flight pass and reports
// whether every hash is in.
func (c *Cache) drainPass() bool {
	p := c.inflight
	if p.hasher == nil {
		return true
	}
	complete := p.hasher.IsComplete()
	for _, e := range p.hasher.GetCompletedData() {
		if rec := p.live[e.Path]; rec != nil {
			withHash := rec.WithHash(e.Hash)
			p.live[e.Path] = &withHash
		}
	}
	if complete {
		c.metrics.Hashed(c.root, p.hasher.Len(), p.hasher.BytesRead())
	}
	return complete
}

func (c *Cache) finishPass() {
	p := c.inflight
	c.inflight = nil

	observations := make([]diff.Observation, 0, len(p.live))
	for rel, rec := range p.live {
		if _, ok := p.stale[rel]; ok {
			// observed before an Ignore call changed the snapshot
			c.dirtyPaths[rel] = struct{}{}
			continue
		}
		observations = append(observations, diff.Observation{Path: rel, Live: rec})
	}

	res := diff.Reconcile(c.snap, observations, c.cfg.diffOptions())
	c.fold(res.Refreshed)
	c.enqueue(c.consumeExpectations(res.Transactions))
}

// expand turns dirty paths into the set of file paths to verify. A path
// naming a directory, on disk or in the snapshot, covers every file beneath
// it.
func (c *Cache) expand(dirty map[string]struct{}) map[string]struct{} {
	files := make(map[string]struct{}, len(dirty))
	for rel := range dirty {
		info, err := os.Stat(c.abs(rel))
		if err == nil && info.IsDir() {
			c.walkDisk(rel, files)
		} else if rel != "" {
			files[rel] = struct{}{}
		}

		c.snap.WalkDir(rel, func(p string, _ snapshot.FileRecord) bool {
			files[p] = struct{}{}
			return true
		})
	}
	for rel := range files {
		if c.owns(rel) {
			delete(files, rel)
		}
	}
	return files
}

func (c *Cache) walkDisk(rel string, files map[string]struct{}) {
	root := c.abs(rel)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			c.logger.Debug().Err(err).Str("path", p).Msg("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		fileRel, relErr := common.RelativeTo(c.root, p)
		if relErr != nil || fileRel == "" {
			return nil
		}
		if c.cfg.Rules.Matches(fileRel) {
			files[fileRel] = struct{}{}
		}
		return nil
	})
	if err != nil {
		c.logger.Debug().Err(err).Str("dir", rel).Msg("directory walk stopped early")
	}
}

// observe returns the live record for rel, or nil when the file is absent,
// untracked or unreadable. The known hash is reused while the timestamp is
// unchanged.
func (c *Cache) observe(rel string) *snapshot.FileRecord {
	if c.owns(rel) || !c.cfg.Rules.Matches(rel) {
		return nil
	}
	info, err := os.Stat(c.abs(rel))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug().Err(err).Str("file", rel).Msg("treating unreadable file as absent")
		}
		return nil
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	rec := snapshot.FileRecord{Timestamp: info.ModTime().UnixNano()}
	if known, ok := c.snap.Get(rel); ok && known.Timestamp == rec.Timestamp {
		rec.Hash = known.Hash
	}
	return &rec
}

// invalidate keeps a later reconciliation from acting on state observed
// before the snapshot changed under it.
func (c *Cache) invalidate(paths ...string) {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	for _, p := range c.withdraw(set) {
		if _, ok := set[p]; !ok {
			// the other half of a withdrawn move still needs reporting
			c.dirtyPaths[p] = struct{}{}
		}
	}
	c.metrics.SetPending(c.root, len(c.pending))

	if c.inflight == nil {
		return
	}
	for _, p := range paths {
		if _, ok := c.inflight.live[p]; !ok {
			continue
		}
		if c.inflight.stale == nil {
			c.inflight.stale = make(map[string]struct{})
		}
		c.inflight.stale[p] = struct{}{}
	}
}
