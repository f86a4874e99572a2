package diff

import (
	"sort"

	"github.com/ZanzyTHEbar/filecache/fcache/snapshot"

	roaring "github.com/RoaringBitmap/roaring"
)

// ChangeKinds selects which identity markers count as a modification
type ChangeKinds uint8

const (
	KindTimestamp ChangeKinds = 1 << iota
	KindContentHash

	KindAll = KindTimestamp | KindContentHash
)

// Has reports whether k includes kind
func (k ChangeKinds) Has(kind ChangeKinds) bool {
	return k&kind != 0
}

// Verdict is a CustomChangeLogic decision
type Verdict int

const (
	VerdictDefault Verdict = iota // follow the configured ChangeKinds
	VerdictIgnore                 // fold the change silently
	VerdictReport                 // report a Modified transaction
)

// CustomChangeLogic is consulted for timestamp-only changes: the timestamp
// moved but no differing content hash is known.
type CustomChangeLogic func(path string, rec snapshot.FileRecord) Verdict

// Options controls classification
type Options struct {
	Kinds       ChangeKinds
	DetectMoves bool
	Custom      CustomChangeLogic
}

// Result is the outcome of a diff pass
type Result struct {
	Transactions []Transaction

	// Refreshed holds records whose identity moved without a reportable
	// change. Callers fold them into the authoritative snapshot so they are
	// not re-examined.
	Refreshed map[string]snapshot.FileRecord
}

func (r *Result) refresh(path string, rec snapshot.FileRecord) {
	if r.Refreshed == nil {
		r.Refreshed = make(map[string]snapshot.FileRecord)
	}
	r.Refreshed[path] = rec
}

// Classify compares the known and live state of one path. Nil means
// "absent". It returns a transaction, a record to fold silently, or neither.
func Classify(path string, known, live *snapshot.FileRecord, opts Options) (*Transaction, *snapshot.FileRecord) {
	switch {
	case known == nil && live == nil:
		return nil, nil
	case known == nil:
		tx := newTransaction(Added, path, *live)
		return &tx, nil
	case live == nil:
		tx := newTransaction(Removed, path, *known)
		return &tx, nil
	}

	kinds := opts.Kinds
	if kinds == 0 {
		kinds = KindTimestamp
	}

	timestampChanged := known.Timestamp != live.Timestamp
	hashKnown := known.HasHash() && live.HasHash()
	hashChanged := hashKnown && known.Hash != live.Hash

	if !timestampChanged && !hashChanged {
		if !known.HasHash() && live.HasHash() {
			return nil, live
		}
		return nil, nil
	}

	if timestampChanged && !hashChanged && opts.Custom != nil {
		switch opts.Custom(path, *live) {
		case VerdictIgnore:
			return nil, live
		case VerdictReport:
			tx := newTransaction(Modified, path, *live)
			return &tx, nil
		}
	}

	report := (kinds.Has(KindTimestamp) && timestampChanged) ||
		(kinds.Has(KindContentHash) && hashChanged) ||
		// content cannot be proven unchanged without both hashes
		(kinds.Has(KindContentHash) && timestampChanged && !hashKnown)

	if report {
		tx := newTransaction(Modified, path, *live)
		return &tx, nil
	}
	return nil, live
}

// Diff compares a previous snapshot with a fresh one: paths only in next are
// Added, paths only in prev are Removed, and paths in both whose record
// differs under opts are Modified. Transactions are ordered by path, then
// collapsed into moves when opts.DetectMoves is set.
func Diff(prev, next *snapshot.Snapshot, opts Options) Result {
	var res Result

	next.Walk(func(path string, rec snapshot.FileRecord) bool {
		live := rec
		var known *snapshot.FileRecord
		if old, ok := prev.Get(path); ok {
			known = &old
		}
		tx, fold := Classify(path, known, &live, opts)
		if tx != nil {
			res.Transactions = append(res.Transactions, *tx)
		}
		if fold != nil {
			res.refresh(path, *fold)
		}
		return true
	})

	prev.Walk(func(path string, rec snapshot.FileRecord) bool {
		if !next.Has(path) {
			res.Transactions = append(res.Transactions, newTransaction(Removed, path, rec))
		}
		return true
	})

	sortByPath(res.Transactions)
	if opts.DetectMoves {
		res.Transactions = DetectMoves(res.Transactions)
	}
	return res
}

// Observation is the live state of one dirty path. Live is nil when the file
// is gone (or no longer tracked).
type Observation struct {
	Path string
	Live *snapshot.FileRecord
}

// Reconcile classifies only the observed paths against snap. A path observed
// more than once uses its last observation.
func Reconcile(snap *snapshot.Snapshot, observations []Observation, opts Options) Result {
	var res Result

	latest := make(map[string]*snapshot.FileRecord, len(observations))
	for _, obs := range observations {
		latest[obs.Path] = obs.Live
	}

	paths := make([]string, 0, len(latest))
	for path := range latest {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		var known *snapshot.FileRecord
		if old, ok := snap.Get(path); ok {
			known = &old
		}
		tx, fold := Classify(path, known, latest[path], opts)
		if tx != nil {
			res.Transactions = append(res.Transactions, *tx)
		}
		if fold != nil {
			res.refresh(path, *fold)
		}
	}

	if opts.DetectMoves {
		res.Transactions = DetectMoves(res.Transactions)
	}
	return res
}

// DetectMoves collapses a Removed and an Added transaction into one Moved
// transaction when their content hash is shared by exactly one removal and
// exactly one addition. Ambiguous or unhashed entries are left untouched.
// The Moved transaction takes the position of the addition.
func DetectMoves(txs []Transaction) []Transaction {
	removedByHash := make(map[snapshot.Hash][]int)
	addedByHash := make(map[snapshot.Hash][]int)
	for i, tx := range txs {
		if !tx.Record.HasHash() {
			continue
		}
		switch tx.Action {
		case Removed:
			removedByHash[tx.Record.Hash] = append(removedByHash[tx.Record.Hash], i)
		case Added:
			addedByHash[tx.Record.Hash] = append(addedByHash[tx.Record.Hash], i)
		}
	}

	consumed := roaring.New()
	moves := make(map[int]Transaction)
	for hash, removed := range removedByHash {
		added := addedByHash[hash]
		if len(removed) != 1 || len(added) != 1 {
			continue
		}
		from := txs[removed[0]]
		to := txs[added[0]]

		move := newTransaction(Moved, to.Path, to.Record)
		move.MovedFrom = from.Path
		moves[added[0]] = move
		consumed.Add(uint32(removed[0]))
	}

	if consumed.IsEmpty() {
		return txs
	}

	out := make([]Transaction, 0, len(txs)-int(consumed.GetCardinality()))
	for i, tx := range txs {
		if consumed.Contains(uint32(i)) {
			continue
		}
		if move, ok := moves[i]; ok {
			out = append(out, move)
			continue
		}
		out = append(out, tx)
	}
	return out
}

func sortByPath(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Path < txs[j].Path
	})
}
