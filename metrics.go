package soundlens

import (
	"math"
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordBatch is called after each training batch.
	// loss is the batch's scalar objective, duration the wall time.
	RecordBatch(loss float64, duration time.Duration)

	// RecordEvaluation is called once per evaluation pass with the
	// named scalars it produced.
	RecordEvaluation(metrics map[string]float64, duration time.Duration)

	// RecordMiningMiss is called when a batch row has no usable
	// hard-positive index entry and falls back to its own frame.
	RecordMiningMiss(id string)

	// RecordCheckpoint is called after each checkpoint write.
	// name is the record name, err is nil if successful.
	RecordCheckpoint(name string, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordBatch(float64, time.Duration)                  {}
func (NoopMetricsCollector) RecordEvaluation(map[string]float64, time.Duration) {}
func (NoopMetricsCollector) RecordMiningMiss(string)                            {}
func (NoopMetricsCollector) RecordCheckpoint(string, time.Duration, error)      {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	BatchCount       atomic.Int64
	BatchTotalNanos  atomic.Int64
	EvalCount        atomic.Int64
	EvalTotalNanos   atomic.Int64
	MiningMisses     atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64

	lastLoss atomic.Uint64
}

// RecordBatch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBatch(loss float64, duration time.Duration) {
	b.BatchCount.Add(1)
	b.BatchTotalNanos.Add(duration.Nanoseconds())
	b.lastLoss.Store(math.Float64bits(loss))
}

// RecordEvaluation implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEvaluation(_ map[string]float64, duration time.Duration) {
	b.EvalCount.Add(1)
	b.EvalTotalNanos.Add(duration.Nanoseconds())
}

// RecordMiningMiss implements MetricsCollector.
func (b *BasicMetricsCollector) RecordMiningMiss(string) {
	b.MiningMisses.Add(1)
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(_ string, _ time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		BatchCount:       b.BatchCount.Load(),
		BatchAvgNanos:    b.getAvgBatchNanos(),
		LastLoss:         math.Float64frombits(b.lastLoss.Load()),
		EvalCount:        b.EvalCount.Load(),
		MiningMisses:     b.MiningMisses.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgBatchNanos() int64 {
	count := b.BatchCount.Load()
	if count == 0 {
		return 0
	}
	return b.BatchTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	BatchCount       int64
	BatchAvgNanos    int64
	LastLoss         float64
	EvalCount        int64
	MiningMisses     int64
	CheckpointCount  int64
	CheckpointErrors int64
}
