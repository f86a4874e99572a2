package scanner

import (
	"crypto/md5"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/filecache/fcache/matching"
	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func runToCompletion(t *testing.T, s *Scanner) (*snapshot.Snapshot, []string) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if s.Tick(0) == Finished {
			return s.Result()
		}
	}
	t.Fatal("scanner did not finish")
	return nil, nil
}

func TestScanner_EnumeratesTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "dir/b.txt", "b")
	writeFile(t, root, "dir/sub/c.png", "c")

	s := New(root, Options{})
	assert.Equal(t, NotStarted, s.State())

	snap, needHash := runToCompletion(t, s)
	require.NotNil(t, snap)

	assert.Equal(t, Complete, s.State())
	assert.Equal(t, []string{"a.txt", "dir/b.txt", "dir/sub/c.png"}, snap.Paths())
	assert.Empty(t, needHash)
	assert.Equal(t, int64(3), s.Metrics().TotalFiles)
	assert.Equal(t, int64(3), s.Metrics().TotalDirectories)
}

func TestScanner_ZeroBudgetMakesIncrementalProgress(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"1.txt", "2.txt", "3.txt", "d/4.txt"} {
		writeFile(t, root, name, name)
	}

	s := New(root, Options{})
	assert.Equal(t, Pending, s.Tick(0))
	assert.Equal(t, Scanning, s.State())

	snap, _ := s.Result()
	assert.Nil(t, snap, "no result until the scan completes")

	snap, _ = runToCompletion(t, s)
	assert.Equal(t, 4, snap.Len())
	assert.Equal(t, Finished, s.Tick(time.Second))
}

func TestScanner_AppliesRulesAndExclusions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "square.png", "png")
	writeFile(t, root, "empty.txt", "")
	writeFile(t, root, "cache.fcsn", "cache")
	writeFile(t, root, ".tmp-cache.fcsn-123", "partial")
	writeFile(t, root, "sub-folder/readme.txt", "r")

	rules := matching.New().SetExtensions("txt", "fcsn", "fcsn-123").AddWildcard("sub-folder/*", false)
	exclude := func(rel string) bool {
		return rel == "cache.fcsn" || strings.HasPrefix(rel, ".tmp-cache.fcsn-")
	}
	s := New(root, Options{Rules: rules, Exclude: exclude})

	snap, _ := runToCompletion(t, s)
	assert.Equal(t, []string{"empty.txt"}, snap.Paths())
	assert.Same(t, rules, snap.Rules())
}

func TestScanner_ReusesHashesForUnchangedTimestamps(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "same.txt", "same")
	writeFile(t, root, "changed.txt", "changed")
	writeFile(t, root, "new.txt", "new")

	sameInfo, err := os.Stat(filepath.Join(root, "same.txt"))
	require.NoError(t, err)

	prevHash := snapshot.Hash(md5.Sum([]byte("same")))
	prev := snapshot.New(nil)
	prev.Set("same.txt", snapshot.NewFileRecord(sameInfo.ModTime(), prevHash))
	prev.Set("changed.txt", snapshot.FileRecord{Timestamp: 1, Hash: snapshot.Hash{1}})

	s := New(root, Options{Previous: prev, RequireHashes: true})
	snap, needHash := runToCompletion(t, s)

	rec, ok := snap.Get("same.txt")
	require.True(t, ok)
	assert.Equal(t, prevHash, rec.Hash)

	rec, ok = snap.Get("changed.txt")
	require.True(t, ok)
	assert.False(t, rec.HasHash())

	assert.ElementsMatch(t, []string{"changed.txt", "new.txt"}, needHash)
}

func TestScanner_MissingRootYieldsEmptySnapshot(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist"), Options{})

	snap, needHash := runToCompletion(t, s)
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, needHash)
	assert.Equal(t, int64(1), s.Metrics().FailedOps)
}

func TestScanner_SkipsUnreadableDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}

	root := t.TempDir()
	writeFile(t, root, "ok.txt", "ok")
	writeFile(t, root, "locked/hidden.txt", "hidden")
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	snap, _ := runToCompletion(t, New(root, Options{}))
	assert.Equal(t, []string{"ok.txt"}, snap.Paths())
}
