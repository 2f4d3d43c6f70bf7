// Package metrics records one sample per dispatched unit of work and
// serves aggregate summaries. Each session owns one Collector; samples
// are append-only for the collector's lifetime, cleared only by an
// explicit Reset at a session boundary. An optional SQLite [Store]
// persists every sample across process restarts.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sample is one outcome projected into the collector's append-only log.
type Sample struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id"`
	Capability string        `json:"capability"`
	Status     string        `json:"status"`
	Success    bool          `json:"success"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	SizeUnits  int           `json:"size_units"`
}

// Summary holds aggregate totals over all recorded samples.
type Summary struct {
	Count        int           `json:"count"`
	SuccessCount int           `json:"success_count"`
	SuccessRate  float64       `json:"success_rate"`
	MeanDuration time.Duration `json:"mean_duration"`
	TotalSize    int64         `json:"total_size"`
}

// Collector accumulates samples in memory. All methods are safe for
// concurrent use, though in normal operation only the owning
// orchestrator records into it.
type Collector struct {
	logger *slog.Logger

	mu            sync.Mutex
	samples       []Sample
	successCount  int
	totalDuration time.Duration
	totalSize     int64

	store *Store
}

// NewCollector creates an empty collector.
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// SetStore configures persistent sample storage. When set, every Record
// is also written through to the store; a persistence failure is logged
// and never surfaces to the dispatch path.
func (c *Collector) SetStore(s *Store) {
	c.store = s
}

// Record appends a sample. O(1) amortized. A zero timestamp is stamped
// with the current time.
func (c *Collector) Record(ctx context.Context, s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.samples = append(c.samples, s)
	if s.Success {
		c.successCount++
	}
	c.totalDuration += s.Duration
	c.totalSize += int64(s.SizeUnits)
	store := c.store
	c.mu.Unlock()

	if store != nil {
		if err := store.Record(ctx, s); err != nil {
			c.logger.Warn("failed to persist metric sample",
				"request_id", s.RequestID,
				"capability", s.Capability,
				"error", err,
			)
		}
	}
}

// Summary returns aggregates over all samples since the last Reset.
// SuccessRate and MeanDuration are 0 when no samples are recorded.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	sum := Summary{
		Count:        len(c.samples),
		SuccessCount: c.successCount,
		TotalSize:    c.totalSize,
	}
	if sum.Count > 0 {
		sum.SuccessRate = float64(c.successCount) / float64(sum.Count)
		sum.MeanDuration = c.totalDuration / time.Duration(sum.Count)
	}
	return sum
}

// Samples returns the most recent n samples, oldest first. n <= 0 or
// beyond the log length returns everything. The result is a copy.
func (c *Collector) Samples(n int) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > len(c.samples) {
		n = len(c.samples)
	}
	out := make([]Sample, n)
	copy(out, c.samples[len(c.samples)-n:])
	return out
}

// Reset clears all samples and aggregates. Intended only for explicit
// session boundaries; the dispatch path never calls it. The persistent
// store, if any, is untouched — it is append-only for the process
// lifetime.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = nil
	c.successCount = 0
	c.totalDuration = 0
	c.totalSize = 0
}
