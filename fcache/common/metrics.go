package common

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PerformanceMetrics defines the interface for performance tracking
type PerformanceMetrics interface {
	UpdateMetrics(start time.Time)
	GetMetrics() map[string]interface{}
}

var _ PerformanceMetrics = (*ScanMetrics)(nil)

// BaseMetrics provides common fields used across different metrics types
type BaseMetrics struct {
	TotalOperations int64
	SuccessfulOps   int64
	FailedOps       int64
	LastOperation   time.Time
	Mu              sync.RWMutex
}

// UpdateBaseMetrics updates common metrics fields
func (bm *BaseMetrics) UpdateBaseMetrics(success bool) {
	bm.Mu.Lock()
	defer bm.Mu.Unlock()

	bm.TotalOperations++
	if success {
		bm.SuccessfulOps++
	} else {
		bm.FailedOps++
	}
	bm.LastOperation = time.Now()
}

// GetBaseMetrics returns the common metrics as a map
func (bm *BaseMetrics) GetBaseMetrics() map[string]interface{} {
	bm.Mu.RLock()
	defer bm.Mu.RUnlock()

	return map[string]interface{}{
		"total_operations": bm.TotalOperations,
		"successful_ops":   bm.SuccessfulOps,
		"failed_ops":       bm.FailedOps,
		"last_operation":   bm.LastOperation,
	}
}

// ScanMetrics tracks counts gathered while enumerating a directory tree.
// A directory that cannot be listed counts as a failed operation.
type ScanMetrics struct {
	BaseMetrics
	TotalFiles       int64
	TotalDirectories int64
	SkippedEntries   int64
	Duration         time.Duration
}

// RecordDirectory records one directory listing attempt
func (sm *ScanMetrics) RecordDirectory(success bool) {
	sm.UpdateBaseMetrics(success)
	if success {
		sm.Mu.Lock()
		sm.TotalDirectories++
		sm.Mu.Unlock()
	}
}

// RecordFile records one tracked file
func (sm *ScanMetrics) RecordFile() {
	sm.Mu.Lock()
	sm.TotalFiles++
	sm.Mu.Unlock()
}

// RecordSkip records an entry that could not be stat'ed
func (sm *ScanMetrics) RecordSkip() {
	sm.Mu.Lock()
	sm.SkippedEntries++
	sm.Mu.Unlock()
}

// UpdateMetrics records the wall time of a completed scan
func (sm *ScanMetrics) UpdateMetrics(start time.Time) {
	sm.Mu.Lock()
	defer sm.Mu.Unlock()
	sm.Duration = time.Since(start)
	sm.LastOperation = time.Now()
}

// GetMetrics returns scan metrics as a map
func (sm *ScanMetrics) GetMetrics() map[string]interface{} {
	metrics := sm.GetBaseMetrics()
	sm.Mu.RLock()
	defer sm.Mu.RUnlock()

	metrics["total_files"] = sm.TotalFiles
	metrics["total_directories"] = sm.TotalDirectories
	metrics["skipped_entries"] = sm.SkippedEntries
	metrics["duration"] = sm.Duration
	return metrics
}

// Collector exports cache activity to prometheus. A nil *Collector is valid
// and records nothing.
type Collector struct {
	transactions *prometheus.CounterVec
	filesHashed  *prometheus.CounterVec
	bytesHashed  *prometheus.CounterVec
	scans        *prometheus.CounterVec
	pending      *prometheus.GaugeVec
}

// NewCollector creates the cache collectors and registers them with reg when
// reg is non-nil. Collectors already registered by an earlier call are reused.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcache",
			Name:      "transactions_total",
			Help:      "Change transactions detected, by root and action.",
		}, []string{"root", "action"}),
		filesHashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcache",
			Name:      "files_hashed_total",
			Help:      "Files whose content hash was computed.",
		}, []string{"root"}),
		bytesHashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcache",
			Name:      "bytes_hashed_total",
			Help:      "Bytes read while computing content hashes.",
		}, []string{"root"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fcache",
			Name:      "scans_total",
			Help:      "Completed full directory scans.",
		}, []string{"root"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fcache",
			Name:      "pending_transactions",
			Help:      "Transactions detected but not yet handed to a consumer.",
		}, []string{"root"}),
	}

	if reg == nil {
		return c, nil
	}

	var err error
	c.transactions, err = registerOrReuse(reg, c.transactions)
	if err != nil {
		return nil, err
	}
	c.filesHashed, err = registerOrReuse(reg, c.filesHashed)
	if err != nil {
		return nil, err
	}
	c.bytesHashed, err = registerOrReuse(reg, c.bytesHashed)
	if err != nil {
		return nil, err
	}
	c.scans, err = registerOrReuse(reg, c.scans)
	if err != nil {
		return nil, err
	}
	c.pending, err = registerOrReuse(reg, c.pending)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return col, fmt.Errorf("failed to register collector: %w", err)
	}
	return col, nil
}

// Transaction counts one detected change
func (c *Collector) Transaction(root, action string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(root, action).Inc()
}

// Hashed counts hashed files and the bytes read for them
func (c *Collector) Hashed(root string, files int, bytes int64) {
	if c == nil {
		return
	}
	c.filesHashed.WithLabelValues(root).Add(float64(files))
	c.bytesHashed.WithLabelValues(root).Add(float64(bytes))
}

// ScanCompleted counts one finished full scan
func (c *Collector) ScanCompleted(root string) {
	if c == nil {
		return
	}
	c.scans.WithLabelValues(root).Inc()
}

// SetPending publishes the size of the pending transaction queue
func (c *Collector) SetPending(root string, n int) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(root).Set(float64(n))
}

// TimeUtils provides time-related utilities used across packages
type TimeUtils struct{}

// NewTimeUtils creates a new TimeUtils instance
func NewTimeUtils() *TimeUtils {
	return &TimeUtils{}
}

// Deadline returns the instant a budgeted step must stop at. Non-positive
// budgets allow exactly one unit of work.
func (tu TimeUtils) Deadline(budget time.Duration) time.Time {
	if budget <= 0 {
		return time.Now()
	}
	return time.Now().Add(budget)
}

// FormatDuration formats a duration for human-readable display
func (tu TimeUtils) FormatDuration(duration time.Duration) string {
	if duration < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(duration.Nanoseconds())/1000)
	} else if duration < time.Second {
		return fmt.Sprintf("%.2fms", float64(duration.Nanoseconds())/1000000)
	} else if duration < time.Minute {
		return fmt.Sprintf("%.2fs", duration.Seconds())
	} else if duration < time.Hour {
		return fmt.Sprintf("%.2fm", duration.Minutes())
	}
	return fmt.Sprintf("%.2fh", duration.Hours())
}
