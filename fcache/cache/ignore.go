package cache

import (
	"github.com/ZanzyTHEbar/filecache/fcache/diff"
	"github.com/ZanzyTHEbar/filecache/fcache/hasher"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"
)

// expectation is a change announced by a consumer before it is observed.
// It is keyed by the destination path.
type expectation struct {
	action diff.Action
	from   string               // source path of an expected move
	before *snapshot.FileRecord // file as seen when the write was announced
}

func (e expectation) matches(tx diff.Transaction) bool {
	switch e.action {
	case diff.Added, diff.Modified:
		return tx.Action == diff.Added || tx.Action == diff.Modified
	case diff.Removed:
		return tx.Action == diff.Removed
	case diff.Moved:
		return tx.Action == diff.Added || (tx.Action == diff.Moved && tx.MovedFrom == e.from)
	}
	return false
}

// reached reports whether the expected end state is already part of
// baseline, so no later change can be attributed to it.
func (e expectation) reached(baseline *snapshot.Snapshot, rel string) bool {
	switch e.action {
	case diff.Added, diff.Modified:
		rec, ok := baseline.Get(rel)
		return ok && (e.before == nil || rec.Timestamp != e.before.Timestamp)
	case diff.Removed:
		return !baseline.Has(rel)
	case diff.Moved:
		return baseline.Has(rel) && !baseline.Has(e.from)
	}
	return false
}

// IgnoreNewFile announces that path is about to be created by the caller.
// If the file already exists it is recorded at once; otherwise the first
// matching change detected for it is absorbed without a transaction.
func (c *Cache) IgnoreNewFile(path string) error {
	return c.ignoreWrite(path, diff.Added)
}

// IgnoreModification announces a caller-made write to path
func (c *Cache) IgnoreModification(path string) error {
	return c.ignoreWrite(path, diff.Modified)
}

// IgnoreDeletion announces a caller-made deletion of path
func (c *Cache) IgnoreDeletion(path string) error {
	rel, err := c.prepareIgnore(path)
	if err != nil {
		return err
	}

	if c.state == SteadyState {
		if c.observe(rel) == nil {
			if c.snap.Delete(rel) {
				c.dirty = true
			}
			delete(c.expected, rel)
			return nil
		}
	}
	c.expect(rel, expectation{action: diff.Removed})
	return nil
}

// IgnoreMove announces a caller-made rename of from to to
func (c *Cache) IgnoreMove(from, to string) error {
	fromRel, err := c.prepareIgnore(from)
	if err != nil {
		return err
	}
	toRel, err := c.prepareIgnore(to)
	if err != nil {
		return err
	}

	if c.state == SteadyState && c.observe(fromRel) == nil {
		if live := c.observe(toRel); live != nil {
			rec := *live
			if known, ok := c.snap.Get(fromRel); ok && !rec.HasHash() && known.Timestamp == rec.Timestamp {
				rec.Hash = known.Hash
			}
			c.snap.Delete(fromRel)
			c.settle(toRel, rec)
			delete(c.expected, fromRel)
			delete(c.expected, toRel)
			return nil
		}
	}
	c.expect(fromRel, expectation{action: diff.Removed})
	c.expect(toRel, expectation{action: diff.Moved, from: fromRel})
	return nil
}

func (c *Cache) ignoreWrite(path string, action diff.Action) error {
	rel, err := c.prepareIgnore(path)
	if err != nil {
		return err
	}

	live := c.observe(rel)
	if c.state == SteadyState && live != nil {
		known, ok := c.snap.Get(rel)
		if !ok || known.Timestamp != live.Timestamp {
			c.settle(rel, *live)
			delete(c.expected, rel)
			return nil
		}
	}
	c.expect(rel, expectation{action: action, before: live})
	return nil
}

func (c *Cache) prepareIgnore(path string) (string, error) {
	if c.state == Destroyed {
		return "", ErrDestroyed
	}
	rel, err := c.relative(path)
	if err != nil {
		return "", err
	}
	c.invalidate(rel)
	return rel, nil
}

func (c *Cache) expect(rel string, e expectation) {
	c.expected[rel] = e
	c.logger.Debug().Str("path", rel).Stringer("action", e.action).Msg("expecting change")
}

// settle records rec for rel in the authoritative snapshot, hashing the file
// first when hashes are required.
func (c *Cache) settle(rel string, rec snapshot.FileRecord) {
	if c.cfg.RequiresHashing() && !rec.HasHash() {
		if c.buf == nil {
			c.buf = make([]byte, hasher.DefaultChunkSize)
		}
		hash, n, err := hasher.HashFile(c.abs(rel), c.buf)
		if err != nil {
			c.logger.Debug().Err(err).Str("file", rel).Msg("could not hash ignored file")
		} else {
			rec.Hash = hash
			c.metrics.Hashed(c.root, 1, n)
		}
	}
	c.snap.Set(rel, rec)
	c.dirty = true
}

// settleExpectations drops expectations whose change the startup scan
// already folded into baseline. The rest wait for a later reconciliation.
func (c *Cache) settleExpectations(baseline *snapshot.Snapshot) {
	for rel, exp := range c.expected {
		if exp.reached(baseline, rel) {
			delete(c.expected, rel)
			c.logger.Debug().Str("path", rel).Stringer("action", exp.action).Msg("expected change found by startup scan")
		}
	}
}

// consumeExpectations absorbs detected transactions that were announced
// through an Ignore call and returns the rest.
func (c *Cache) consumeExpectations(txs []diff.Transaction) []diff.Transaction {
	if len(c.expected) == 0 {
		return txs
	}

	out := txs[:0]
	for _, tx := range txs {
		if exp, ok := c.expected[tx.Path]; ok && exp.matches(tx) {
			delete(c.expected, tx.Path)
			if tx.Action == diff.Moved {
				delete(c.expected, tx.MovedFrom)
			}
			c.absorbExpected(tx)
			continue
		}

		// an announced deletion whose file was moved elsewhere: the
		// removal is expected, the new path is not
		if tx.Action == diff.Moved {
			if exp, ok := c.expected[tx.MovedFrom]; ok && exp.action == diff.Removed {
				delete(c.expected, tx.MovedFrom)
				c.absorbExpected(diff.Transaction{ID: tx.ID, Action: diff.Removed, Path: tx.MovedFrom})
				tx.Action = diff.Added
				tx.MovedFrom = ""
			}
		}
		out = append(out, tx)
	}
	return out
}

func (c *Cache) absorbExpected(tx diff.Transaction) {
	diff.Apply(c.snap, tx)
	c.dirty = true
	c.logger.Debug().Stringer("tx", tx).Msg("absorbed expected change")
}
