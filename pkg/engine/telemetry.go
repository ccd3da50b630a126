// ABOUTME: Engine-level telemetry for operation latency, compression, corruption and recovery
// ABOUTME: Wraps the telemetry sink so a misbehaving exporter never affects engine operations

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/usf/pkg/telemetry"
)

// EngineMetrics defines the interface for engine-level telemetry
type EngineMetrics interface {
	// Operation tracing
	RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool)
	RecordBytes(ctx context.Context, operation string, logicalBytes, storedBytes int64)
	RecordBlocks(ctx context.Context, operation, codec string, blocks int64)

	// Integrity
	RecordCorruption(ctx context.Context, kind string)
	RecordRecovery(ctx context.Context, reason string, duration time.Duration, recordsScanned, entriesRebuilt int64)
	RecordCompaction(ctx context.Context, duration time.Duration, reclaimedBytes int64)

	// Error tracking
	RecordError(ctx context.Context, errorType, operation string)

	// Resource cleanup
	Close() error
}

// engineMetrics implements EngineMetrics using the telemetry interface
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new EngineMetrics instance
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	return &engineMetrics{
		tel: tel,
	}
}

// NewNoopEngineMetrics creates a no-op EngineMetrics for testing or when telemetry is disabled
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

// recoverTelemetry swallows panics raised by a telemetry backend
func recoverTelemetry() {
	_ = recover()
}

// RecordOperation records the duration and outcome of an engine operation
func (m *engineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperation, operation),
		attribute.Bool(telemetry.AttrSuccess, success),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	}
	m.tel.RecordHistogram(ctx, "usf.engine.operation.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "usf.engine.operation.count", 1, attrs...)
}

// RecordBytes records logical and on-disk byte counts for an operation
func (m *engineMetrics) RecordBytes(ctx context.Context, operation string, logicalBytes, storedBytes int64) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperation, operation),
	}
	telemetry.RecordBytes(ctx, m.tel, "usf.engine.bytes.logical", logicalBytes, attrs...)
	if storedBytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, "usf.engine.bytes.stored", storedBytes, attrs...)
	}
	if logicalBytes > 0 && storedBytes > 0 {
		m.tel.RecordHistogram(ctx, "usf.engine.compression.ratio",
			float64(logicalBytes)/float64(storedBytes), attrs...)
	}
}

// RecordBlocks counts blocks handled with one codec
func (m *engineMetrics) RecordBlocks(ctx context.Context, operation, codec string, blocks int64) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	m.tel.RecordCounter(ctx, "usf.engine.blocks.count", blocks,
		attribute.String(telemetry.AttrOperation, operation),
		attribute.String(telemetry.AttrCodec, codec),
	)
}

// RecordCorruption counts a verification failure
func (m *engineMetrics) RecordCorruption(ctx context.Context, kind string) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	m.tel.RecordCounter(ctx, "usf.engine.corruption.events", 1,
		attribute.String(telemetry.AttrErrorType, kind),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentContainer),
	)
}

// RecordRecovery records an index rebuild performed at open
func (m *engineMetrics) RecordRecovery(ctx context.Context, reason string, duration time.Duration, recordsScanned, entriesRebuilt int64) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentRecovery),
		attribute.String(telemetry.AttrReason, reason),
	}
	m.tel.RecordHistogram(ctx, "usf.engine.recovery.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "usf.engine.recovery.records_scanned", recordsScanned, attrs...)
	m.tel.RecordCounter(ctx, "usf.engine.recovery.entries_rebuilt", entriesRebuilt, attrs...)
}

// RecordCompaction records a compaction run
func (m *engineMetrics) RecordCompaction(ctx context.Context, duration time.Duration, reclaimedBytes int64) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrComponent, telemetry.ComponentContainer),
	}
	m.tel.RecordHistogram(ctx, "usf.engine.compaction.duration", duration.Seconds(), attrs...)
	m.tel.RecordCounter(ctx, "usf.engine.compaction.reclaimed.bytes", reclaimedBytes, attrs...)
}

// RecordError counts a failed operation by error class
func (m *engineMetrics) RecordError(ctx context.Context, errorType, operation string) {
	if m.tel == nil {
		return
	}
	defer recoverTelemetry()

	m.tel.RecordCounter(ctx, "usf.engine.errors.total", 1,
		attribute.String(telemetry.AttrErrorType, errorType),
		attribute.String(telemetry.AttrOperation, operation),
	)
}

// Close releases nothing; the engine does not own the telemetry sink
func (m *engineMetrics) Close() error {
	return nil
}

// noopEngineMetrics provides a no-op implementation for testing or disabled telemetry
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
}
func (n *noopEngineMetrics) RecordBytes(ctx context.Context, operation string, logicalBytes, storedBytes int64) {
}
func (n *noopEngineMetrics) RecordBlocks(ctx context.Context, operation, codec string, blocks int64) {}
func (n *noopEngineMetrics) RecordCorruption(ctx context.Context, kind string)                        {}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, reason string, duration time.Duration, recordsScanned, entriesRebuilt int64) {
}
func (n *noopEngineMetrics) RecordCompaction(ctx context.Context, duration time.Duration, reclaimedBytes int64) {
}
func (n *noopEngineMetrics) RecordError(ctx context.Context, errorType, operation string) {}
func (n *noopEngineMetrics) Close() error                                                 { return nil }
