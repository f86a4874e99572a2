package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/diff"
	"github.com/ZanzyTHEbar/filecache/fcache/matching"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
	return abs
}

func touch(t *testing.T, abs string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(abs, mtime, mtime))
}

func newCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := New(cfg, WithTickBudget(time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

// startCache ticks until the initial scan and hashing are done
func startCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c := newCache(t, cfg)
	tickUntilSteady(t, c)
	return c
}

func tickUntilSteady(t *testing.T, c *Cache) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Tick() != SteadyState {
		if time.Now().After(deadline) {
			t.Fatalf("cache stuck in %s", c.State())
		}
		time.Sleep(time.Millisecond)
	}
}

// settle ticks until every dirty path has been reconciled
func settle(t *testing.T, c *Cache) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.Tick()
		st := c.Stats()
		if st.DirtyPaths == 0 && !st.Hashing {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache did not settle: %+v", st)
		}
		time.Sleep(time.Millisecond)
	}
}

func byPath(txs []diff.Transaction) map[string]diff.Transaction {
	out := make(map[string]diff.Transaction, len(txs))
	for _, tx := range txs {
		out[tx.Path] = tx
	}
	return out
}

func TestCache_InitialScanBecomesBaseline(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a", epoch)
	writeFile(t, root, "dir/b.txt", "b", epoch.Add(time.Second))

	c := startCache(t, Config{RootDirectory: root})

	assert.False(t, c.HasOutstandingChanges())
	assert.Empty(t, c.GetOutstandingChanges())

	rec, ok := c.FindFileRecord("dir/b.txt")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Second).UnixNano(), rec.Timestamp)

	rec, ok = c.FindFileRecord(filepath.Join(root, "a.txt"))
	require.True(t, ok)
	assert.Equal(t, epoch.UnixNano(), rec.Timestamp)

	_, ok = c.FindFileRecord("missing.txt")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Stats().TrackedFiles)
}

func TestCache_EventsBeforeSteadyStateAreQueued(t *testing.T) {
	root := t.TempDir()
	c := newCache(t, Config{RootDirectory: root})

	c.MarkDirty("later.txt")
	assert.Equal(t, 1, c.Stats().DirtyPaths)

	for c.Tick() != SteadyState {
	}
	writeFile(t, root, "later.txt", "x", epoch)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, diff.Added, txs[0].Action)
}

func TestCache_ExtensionFiltering(t *testing.T) {
	root := t.TempDir()
	c := startCache(t, Config{
		RootDirectory: root,
		Rules:         matching.New().SetExtensions("txt"),
	})

	png := writeFile(t, root, "square.png", "\x89PNG", epoch)
	txt := writeFile(t, root, "empty.txt", "", epoch)
	c.MarkDirty(png, txt)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, diff.Added, txs[0].Action)
	assert.Equal(t, "empty.txt", txs[0].Path)
}

func TestCache_ModifyAndDelete(t *testing.T) {
	root := t.TempDir()
	mod := writeFile(t, root, "mod.txt", "v1", epoch)
	del := writeFile(t, root, "del.txt", "bye", epoch)
	c := startCache(t, Config{RootDirectory: root})

	touch(t, mod, epoch.Add(time.Minute))
	require.NoError(t, os.Remove(del))
	c.MarkDirty(mod, del)
	settle(t, c)

	txs := byPath(c.GetOutstandingChanges())
	require.Len(t, txs, 2)
	assert.Equal(t, diff.Modified, txs["mod.txt"].Action)
	assert.Equal(t, diff.Removed, txs["del.txt"].Action)

	// the snapshot only moves when transactions are completed
	rec, ok := c.FindFileRecord("mod.txt")
	require.True(t, ok)
	assert.Equal(t, epoch.UnixNano(), rec.Timestamp)

	for _, tx := range txs {
		require.NoError(t, c.CompleteTransaction(tx))
	}
	rec, _ = c.FindFileRecord("mod.txt")
	assert.Equal(t, epoch.Add(time.Minute).UnixNano(), rec.Timestamp)
	_, ok = c.FindFileRecord("del.txt")
	assert.False(t, ok)
}

func TestCache_UnchangedEventProducesNothing(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "same.txt", "same", epoch)
	c := startCache(t, Config{RootDirectory: root})

	c.MarkDirty(abs, filepath.Join(root, "never-existed.txt"), "/elsewhere/outside.txt")
	settle(t, c)
	assert.False(t, c.HasOutstandingChanges())
}

func TestCache_PendingQueueHoldsOneTransactionPerPath(t *testing.T) {
	root := t.TempDir()
	c := startCache(t, Config{RootDirectory: root})

	abs := writeFile(t, root, "x.txt", "1", epoch)
	c.MarkDirty(abs)
	settle(t, c)
	require.True(t, c.HasOutstandingChanges())

	touch(t, abs, epoch.Add(time.Hour))
	c.MarkDirty(abs)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, diff.Added, txs[0].Action)
	assert.Equal(t, epoch.Add(time.Hour).UnixNano(), txs[0].Record.Timestamp)
}

func TestCache_FilterOutstandingChanges(t *testing.T) {
	root := t.TempDir()
	c := startCache(t, Config{RootDirectory: root})

	c.MarkDirty(
		writeFile(t, root, "now/a.txt", "a", epoch),
		writeFile(t, root, "later/b.txt", "b", epoch),
	)
	settle(t, c)

	now := c.FilterOutstandingChanges(func(tx diff.Transaction) bool {
		return filepath.Dir(tx.Path) == "now"
	})
	require.Len(t, now, 1)
	assert.Equal(t, "now/a.txt", now[0].Path)

	rest := c.GetOutstandingChanges()
	require.Len(t, rest, 1)
	assert.Equal(t, "later/b.txt", rest[0].Path)
	assert.False(t, c.HasOutstandingChanges())
}

func TestCache_DirectoryEvents(t *testing.T) {
	root := t.TempDir()
	c := startCache(t, Config{RootDirectory: root})

	writeFile(t, root, "assets/one.txt", "1", epoch)
	writeFile(t, root, "assets/deep/two.txt", "2", epoch)
	c.MarkDirty(filepath.Join(root, "assets"))
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, diff.Added, tx.Action)
		require.NoError(t, c.CompleteTransaction(tx))
	}

	require.NoError(t, os.RemoveAll(filepath.Join(root, "assets")))
	c.MarkDirty(filepath.Join(root, "assets"))
	settle(t, c)

	removed := byPath(c.GetOutstandingChanges())
	require.Len(t, removed, 2)
	assert.Equal(t, diff.Removed, removed["assets/one.txt"].Action)
	assert.Equal(t, diff.Removed, removed["assets/deep/two.txt"].Action)
}

func TestCache_MoveDetection(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.png", "pixels", epoch)
	c := startCache(t, Config{RootDirectory: root, DetectMoves: true})

	rec, ok := c.FindFileRecord("a.png")
	require.True(t, ok)
	require.True(t, rec.HasHash())

	require.NoError(t, os.Rename(filepath.Join(root, "a.png"), filepath.Join(root, "b.png")))
	c.MarkDirty(filepath.Join(root, "a.png"), filepath.Join(root, "b.png"))
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, diff.Moved, txs[0].Action)
	assert.Equal(t, "a.png", txs[0].MovedFrom)
	assert.Equal(t, "b.png", txs[0].Path)

	require.NoError(t, c.CompleteTransaction(txs[0]))
	_, ok = c.FindFileRecord("a.png")
	assert.False(t, ok)
	moved, ok := c.FindFileRecord("b.png")
	require.True(t, ok)
	assert.Equal(t, rec.Hash, moved.Hash)
}

func TestCache_MoveWithoutDetectionStaysSeparate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.png", "pixels", epoch)
	c := startCache(t, Config{RootDirectory: root})

	require.NoError(t, os.Rename(filepath.Join(root, "a.png"), filepath.Join(root, "b.png")))
	c.MarkDirty(filepath.Join(root, "a.png"), filepath.Join(root, "b.png"))
	settle(t, c)

	txs := byPath(c.GetOutstandingChanges())
	require.Len(t, txs, 2)
	assert.Equal(t, diff.Removed, txs["a.png"].Action)
	assert.Equal(t, diff.Added, txs["b.png"].Action)
}

func TestCache_ContentHashKind(t *testing.T) {
	root := t.TempDir()
	abs := writeFile(t, root, "doc.txt", "hello", epoch)
	c := startCache(t, Config{RootDirectory: root, Kinds: diff.KindContentHash})

	// a touch without a content change is folded silently
	touch(t, abs, epoch.Add(time.Minute))
	c.MarkDirty(abs)
	settle(t, c)
	assert.False(t, c.HasOutstandingChanges())
	rec, _ := c.FindFileRecord("doc.txt")
	assert.Equal(t, epoch.Add(time.Minute).UnixNano(), rec.Timestamp)

	writeFile(t, root, "doc.txt", "goodbye", epoch.Add(2*time.Minute))
	c.MarkDirty(abs)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, diff.Modified, txs[0].Action)
}

func TestCache_CustomChangeLogic(t *testing.T) {
	root := t.TempDir()
	quiet := writeFile(t, root, "quiet.txt", "q", epoch)
	loud := writeFile(t, root, "loud.txt", "l", epoch)

	c := startCache(t, Config{
		RootDirectory: root,
		CustomChangeLogic: func(path string, _ snapshot.FileRecord) diff.Verdict {
			if path == "quiet.txt" {
				return diff.VerdictIgnore
			}
			return diff.VerdictDefault
		},
	})

	touch(t, quiet, epoch.Add(time.Second))
	touch(t, loud, epoch.Add(time.Second))
	c.MarkDirty(quiet, loud)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, "loud.txt", txs[0].Path)

	rec, _ := c.FindFileRecord("quiet.txt")
	assert.Equal(t, epoch.Add(time.Second).UnixNano(), rec.Timestamp)
}

func TestCache_AbsolutePathStyle(t *testing.T) {
	root := t.TempDir()
	c := startCache(t, Config{RootDirectory: root, PathStyle: PathAbsolute})

	abs := writeFile(t, root, "sub/file.txt", "x", epoch)
	c.MarkDirty(abs)
	settle(t, c)

	txs := c.GetOutstandingChanges()
	require.Len(t, txs, 1)
	assert.Equal(t, filepath.Join(c.Root(), "sub", "file.txt"), txs[0].Path)

	require.NoError(t, c.CompleteTransaction(txs[0]))
	_, ok := c.FindFileRecord(txs[0].Path)
	assert.True(t, ok)
	_, ok = c.FindFileRecord("sub/file.txt")
	assert.True(t, ok)
}

func TestCache_InaccessibleRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	c := startCache(t, Config{RootDirectory: root})

	assert.Equal(t, 0, c.Stats().TrackedFiles)
	assert.Equal(t, int64(1), c.Stats().ScanFailures)
	assert.False(t, c.HasOutstandingChanges())
}

func TestCache_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	file := writeFile(t, t.TempDir(), "plain.txt", "x", epoch)
	_, err = New(Config{RootDirectory: file})
	assert.ErrorIs(t, err, common.ErrNotDirectory)
}

func TestParseHelpers(t *testing.T) {
	style, err := ParsePathStyle("Absolute")
	require.NoError(t, err)
	assert.Equal(t, PathAbsolute, style)

	_, err = ParsePathStyle("sideways")
	assert.Error(t, err)

	kinds, err := ParseChangeKinds([]string{"timestamp", "contentHash"})
	require.NoError(t, err)
	assert.Equal(t, diff.KindAll, kinds)

	kinds, err = ParseChangeKinds(nil)
	require.NoError(t, err)
	assert.Equal(t, diff.KindTimestamp, kinds)

	_, err = ParseChangeKinds([]string{"size"})
	assert.Error(t, err)
}
