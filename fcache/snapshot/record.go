// Package snapshot holds the per-file identity records of a monitored
// directory and their versioned binary persistence.
package snapshot

import (
	"encoding/hex"
	"fmt"
	"time"
)

// HashSize is the size of a content hash in bytes (MD5 class digest)
const HashSize = 16

// Hash is a content digest. The zero value means "not yet computed" and
// must never take part in move detection.
type Hash [HashSize]byte

// IsZero reports whether the hash is the null sentinel
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the lowercase hex form, or "" for the null sentinel
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hex digest produced by String
func ParseHash(s string) (Hash, error) {
	var h Hash
	if s == "" {
		return h, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FileRecord is the identity of one tracked file
type FileRecord struct {
	Timestamp int64 // last write time, unix nanoseconds
	Hash      Hash
}

// NewFileRecord builds a record from a modification time and a hash
func NewFileRecord(modTime time.Time, hash Hash) FileRecord {
	return FileRecord{Timestamp: modTime.UnixNano(), Hash: hash}
}

// ModTime returns the timestamp as a time.Time in UTC
func (r FileRecord) ModTime() time.Time {
	return time.Unix(0, r.Timestamp).UTC()
}

// HasHash reports whether the content hash has been computed
func (r FileRecord) HasHash() bool {
	return !r.Hash.IsZero()
}

// WithHash returns a copy carrying hash
func (r FileRecord) WithHash(hash Hash) FileRecord {
	r.Hash = hash
	return r
}
