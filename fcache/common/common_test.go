package common

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativeTo(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data", "root")

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{"relative", "a/b.txt", "a/b.txt", nil},
		{"relative with dot", "./a/../b.txt", "b.txt", nil},
		{"root itself", ".", "", nil},
		{"absolute under root", filepath.Join(root, "x", "y.png"), "x/y.png", nil},
		{"absolute root", root, "", nil},
		{"escapes root", "../outside.txt", "", ErrPathOutsideRoot},
		{"absolute outside root", filepath.Join(string(filepath.Separator), "data", "other", "f"), "", ErrPathOutsideRoot},
		{"empty", "", "", ErrPathEmpty},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RelativeTo(root, tt.path)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidationUtils(t *testing.T) {
	vu := NewValidationUtils()

	assert.ErrorIs(t, vu.ValidatePath(""), ErrPathEmpty)
	assert.ErrorIs(t, vu.ValidatePath(strings.Repeat("a", 4097)), ErrPathTooLong)
	assert.NoError(t, vu.ValidatePath("/tmp/cache.bin"))
	assert.Error(t, vu.ValidateRequiredString("  ", "root directory"))

	dir := t.TempDir()
	assert.NoError(t, vu.ValidateDirectoryExists(dir))

	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.ErrorIs(t, vu.ValidateDirectoryExists(file), ErrNotDirectory)
	assert.ErrorIs(t, vu.ValidateDirectoryExists(filepath.Join(dir, "missing")), fs.ErrNotExist)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.True(t, IsTransientError(fmt.Errorf("stat: %w", fs.ErrNotExist)))
	assert.True(t, IsTransientError(fs.ErrPermission))
	assert.True(t, IsTransientError(ErrPermissionDenied))
	assert.False(t, IsTransientError(ErrPathInvalid))
}

func TestScanMetrics(t *testing.T) {
	var m ScanMetrics
	m.RecordDirectory(true)
	m.RecordDirectory(false)
	m.RecordFile()
	m.RecordFile()
	m.RecordSkip()
	m.UpdateMetrics(time.Now().Add(-time.Second))

	got := m.GetMetrics()
	assert.Equal(t, int64(2), got["total_files"])
	assert.Equal(t, int64(1), got["total_directories"])
	assert.Equal(t, int64(1), got["skipped_entries"])
	assert.Equal(t, int64(1), got["failed_ops"])
	assert.GreaterOrEqual(t, got["duration"].(time.Duration), time.Second)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Transaction("/root", "added")
		c.Hashed("/root", 3, 42)
		c.ScanCompleted("/root")
		c.SetPending("/root", 1)
	})
}

func TestCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	first.Transaction("/root", "added")
	second.Transaction("/root", "added")
	second.SetPending("/root", 2)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), values["fcache_transactions_total"])
	assert.Equal(t, float64(2), values["fcache_pending_transactions"])
}

func TestTimeUtils(t *testing.T) {
	tu := NewTimeUtils()
	assert.False(t, tu.Deadline(0).After(time.Now()))
	assert.True(t, tu.Deadline(time.Hour).After(time.Now()))
	assert.Equal(t, "1.50s", tu.FormatDuration(1500*time.Millisecond))
}
