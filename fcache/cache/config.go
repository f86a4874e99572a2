package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ZanzyTHEbar/filecache/fcache/common"
	"github.com/ZanzyTHEbar/filecache/fcache/diff"
	"github.com/ZanzyTHEbar/filecache/fcache/matching"
)

// PathStyle selects how paths are reported to callers
type PathStyle int

const (
	PathRelative PathStyle = iota
	PathAbsolute
)

func (p PathStyle) String() string {
	if p == PathAbsolute {
		return "absolute"
	}
	return "relative"
}

// ParsePathStyle maps "relative" or "absolute" (case-insensitive) to a
// PathStyle. An empty string means relative.
func ParsePathStyle(s string) (PathStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "relative":
		return PathRelative, nil
	case "absolute":
		return PathAbsolute, nil
	default:
		return PathRelative, fmt.Errorf("unknown path style %q", s)
	}
}

// ParseChangeKinds maps names such as "timestamp" and "contentHash" to a
// diff.ChangeKinds set. An empty list means timestamp only.
func ParseChangeKinds(names []string) (diff.ChangeKinds, error) {
	if len(names) == 0 {
		return diff.KindTimestamp, nil
	}
	var kinds diff.ChangeKinds
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "timestamp":
			kinds |= diff.KindTimestamp
		case "contenthash", "content_hash", "hash":
			kinds |= diff.KindContentHash
		default:
			return 0, fmt.Errorf("unknown change detection kind %q", name)
		}
	}
	return kinds, nil
}

// Config describes one monitored directory
type Config struct {
	// RootDirectory is the tree to monitor
	RootDirectory string

	// CacheFilePath is where the snapshot is persisted. Empty keeps the
	// cache in memory only.
	CacheFilePath string

	PathStyle PathStyle

	// DetectChangesSinceLastRun surfaces changes made while the cache was
	// offline. When false they are folded into the baseline silently.
	DetectChangesSinceLastRun bool

	// Rules selects tracked files; nil tracks everything
	Rules *matching.Rules

	// DetectMoves collapses matching removals and additions into moves.
	// It forces content hashing on.
	DetectMoves bool

	// Kinds selects what counts as a modification. Zero means timestamp.
	Kinds diff.ChangeKinds

	// CustomChangeLogic may suppress or escalate timestamp-only changes
	CustomChangeLogic diff.CustomChangeLogic
}

// RequiresHashing reports whether content hashes must be computed
func (c Config) RequiresHashing() bool {
	return c.DetectMoves || c.Kinds.Has(diff.KindContentHash)
}

// Validate checks the configured paths are well formed. A root that does not
// exist yet is accepted and scans as empty; a root that names a file is not.
func (c Config) Validate() error {
	vu := common.NewValidationUtils()
	if err := vu.ValidateRequiredString(c.RootDirectory, "root directory"); err != nil {
		return err
	}
	if err := vu.ValidatePath(c.RootDirectory); err != nil {
		return err
	}
	if err := vu.ValidateDirectoryExists(c.RootDirectory); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if c.CacheFilePath != "" {
		return vu.ValidatePath(c.CacheFilePath)
	}
	return nil
}

func (c Config) diffOptions() diff.Options {
	kinds := c.Kinds
	if kinds == 0 {
		kinds = diff.KindTimestamp
	}
	return diff.Options{
		Kinds:       kinds,
		DetectMoves: c.DetectMoves,
		Custom:      c.CustomChangeLogic,
	}
}
