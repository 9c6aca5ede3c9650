// Package perf provides performance measurement utilities for the
// synchronization engine.
package perf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// SyncMetrics tracks timing for one download invocation across its phases.
type SyncMetrics struct {
	mu sync.Mutex

	// Phase timings
	ResolveDuration time.Duration
	StreamDuration  time.Duration
	LedgerDuration  time.Duration
	TotalDuration   time.Duration

	// Counts
	FolderCount int
	FileCount   int
	ByteCount   int64
}

// NewSyncMetrics creates a new metrics tracker.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{}
}

// RecordResolve records the in-flight listing phase.
func (m *SyncMetrics) RecordResolve(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResolveDuration += duration
}

// RecordStream records one streamed file.
func (m *SyncMetrics) RecordStream(duration time.Duration, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamDuration += duration
	m.FileCount++
	m.ByteCount += bytes
}

// RecordFolder records one completed bug folder.
func (m *SyncMetrics) RecordFolder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FolderCount++
}

// RecordTotal records the whole invocation.
func (m *SyncMetrics) RecordTotal(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = duration
}

// RecordLedger records the ledger insert phase.
func (m *SyncMetrics) RecordLedger(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LedgerDuration += duration
}

// Summary returns a formatted summary of the metrics.
func (m *SyncMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return fmt.Sprintf(`
=== Download Performance Metrics ===
Total Duration:   %v

Phase Durations:
  Resolve:        %v
  Stream:         %v
  Ledger:         %v

Counts:
  Bug Folders:    %d
  Files:          %d
  Bytes:          %d
`,
		m.TotalDuration,
		m.ResolveDuration,
		m.StreamDuration,
		m.LedgerDuration,
		m.FolderCount,
		m.FileCount,
		m.ByteCount,
	)
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *SyncMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *SyncMetrics {
	m, _ := ctx.Value(contextKey{}).(*SyncMetrics)
	return m
}
