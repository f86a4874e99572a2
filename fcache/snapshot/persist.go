package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/filecache/fcache/matching"
)

// Format versions of the persisted cache file. Readers accept every version
// up to CurrentVersion and reject anything newer.
const (
	VersionInitial      uint32 = 1 // paths and timestamps only
	VersionIncludesHash uint32 = 2 // adds a fixed-size content hash per entry
	VersionIgnoreFile   uint32 = 3 // records the ignore file name with the rules

	CurrentVersion = VersionIgnoreFile
)

const (
	fileMagic     = "FCSN"
	maxStringLen  = 1 << 16
	maxPreallocAt = 1 << 16
)

var (
	ErrBadMagic            = errors.New("not a snapshot file")
	ErrIncompatibleVersion = errors.New("snapshot written by an incompatible version")
	ErrCorrupt             = errors.New("snapshot file is corrupt")
)

// WriteTo serializes s using CurrentVersion.
// Layout (little-endian):
// [magic 'FCSN'] [u32 version]
// [u32 nExt] {str ext} [u32 nRules] {str pattern, u8 include}
// [str ignoreFile (v>=3)]
// [u64 nFiles] {str path, i64 timestamp, [16]byte hash (v>=2)}
// where str is [u32 len][bytes].
func (s *Snapshot) WriteTo(w io.Writer) (int64, error) {
	return s.writeVersion(w, CurrentVersion)
}

func (s *Snapshot) writeVersion(w io.Writer, version uint32) (int64, error) {
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	var err error
	var write = func(v any) {
		if err == nil {
			err = binary.Write(bw, binary.LittleEndian, v)
		}
	}
	var str = func(v string) {
		write(uint32(len(v)))
		if err == nil {
			_, err = bw.WriteString(v)
		}
	}

	if _, err = bw.WriteString(fileMagic); err != nil {
		return cw.n, err
	}
	write(version)

	exts := s.rules.Extensions()
	write(uint32(len(exts)))
	for _, ext := range exts {
		str(ext)
	}
	wildcards := s.rules.Wildcards()
	write(uint32(len(wildcards)))
	for _, rule := range wildcards {
		str(rule.Pattern)
		if rule.Include {
			write(uint8(1))
		} else {
			write(uint8(0))
		}
	}
	if version >= VersionIgnoreFile {
		str(s.rules.IgnoreFile())
	}

	write(uint64(s.Len()))
	s.Walk(func(path string, rec FileRecord) bool {
		str(path)
		write(rec.Timestamp)
		if version >= VersionIncludesHash {
			write(rec.Hash)
		}
		return err == nil
	})

	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		return cw.n, fmt.Errorf("failed to write snapshot: %w", err)
	}
	return cw.n, nil
}

// ReadFrom deserializes a snapshot written by any version up to
// CurrentVersion. Version 1 entries come back with null hashes.
func ReadFrom(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMagic, err)
	}
	if string(magic) != fileMagic {
		return nil, ErrBadMagic
	}

	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if version == 0 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: file version %d, supported up to %d", ErrIncompatibleVersion, version, CurrentVersion)
	}

	var err error
	var read = func(v any) {
		if err == nil {
			err = binary.Read(br, binary.LittleEndian, v)
		}
	}
	var str = func() string {
		var n uint32
		read(&n)
		if err != nil {
			return ""
		}
		if n > maxStringLen {
			err = fmt.Errorf("string length %d exceeds limit", n)
			return ""
		}
		buf := make([]byte, n)
		_, err = io.ReadFull(br, buf)
		return string(buf)
	}

	rules := matching.New()
	var nExt uint32
	read(&nExt)
	exts := make([]string, 0, min(nExt, maxPreallocAt))
	for i := uint32(0); i < nExt && err == nil; i++ {
		exts = append(exts, str())
	}
	rules.SetExtensions(exts...)

	var nRules uint32
	read(&nRules)
	for i := uint32(0); i < nRules && err == nil; i++ {
		pattern := str()
		var include uint8
		read(&include)
		rules.AddWildcard(pattern, include != 0)
	}
	if version >= VersionIgnoreFile {
		rules.SetIgnoreFileName(str())
	}

	snap := New(rules)
	var nFiles uint64
	read(&nFiles)
	for i := uint64(0); i < nFiles && err == nil; i++ {
		path := str()
		var rec FileRecord
		read(&rec.Timestamp)
		if version >= VersionIncludesHash {
			read(&rec.Hash)
		}
		if err == nil {
			snap.Set(path, rec)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}

// Load reads the snapshot stored at path. A missing file returns (nil, nil)
// so callers can treat it as "no previous snapshot".
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	return ReadFrom(f)
}

// Save writes the snapshot atomically: into a temporary file in the target
// directory, then renamed over path so readers never see a partial file.
func Save(path string, s *Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmp := f.Name()

	if _, err := s.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
