// Package diff classifies how a directory diverged from a snapshot and
// expresses each divergence as a provisional Transaction.
package diff

import (
	"fmt"

	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	"github.com/google/uuid"
)

// Action is the kind of change a Transaction describes
type Action int

const (
	Added Action = iota
	Modified
	Removed
	Moved
)

func (a Action) String() string {
	switch a {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Moved:
		return "moved"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Transaction describes one detected change. It is provisional: the
// authoritative snapshot only changes when the transaction is applied.
type Transaction struct {
	ID        uuid.UUID
	Action    Action
	Path      string
	MovedFrom string              // set for Moved only
	Record    snapshot.FileRecord // state at detection time; for Removed, the last known state
}

func newTransaction(action Action, path string, rec snapshot.FileRecord) Transaction {
	return Transaction{
		ID:     uuid.New(),
		Action: action,
		Path:   path,
		Record: rec,
	}
}

// Paths returns every path the transaction touches
func (t Transaction) Paths() []string {
	if t.Action == Moved {
		return []string{t.MovedFrom, t.Path}
	}
	return []string{t.Path}
}

// Touches reports whether the transaction involves path
func (t Transaction) Touches(path string) bool {
	return t.Path == path || (t.Action == Moved && t.MovedFrom == path)
}

func (t Transaction) String() string {
	if t.Action == Moved {
		return fmt.Sprintf("%s %s -> %s", t.Action, t.MovedFrom, t.Path)
	}
	return fmt.Sprintf("%s %s", t.Action, t.Path)
}

// Apply commits the effect of tx to s. Applying the same transaction twice
// is a caller error and is not detected.
func Apply(s *snapshot.Snapshot, tx Transaction) {
	switch tx.Action {
	case Added, Modified:
		s.Set(tx.Path, tx.Record)
	case Removed:
		s.Delete(tx.Path)
	case Moved:
		s.Delete(tx.MovedFrom)
		s.Set(tx.Path, tx.Record)
	}
}
