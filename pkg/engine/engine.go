// Package engine is the public face of a USF container: create or open a
// container file, then store, retrieve, delete and list keyed payloads.
// It adds key validation, logging, statistics and telemetry around
// pkg/container.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/KevoDB/usf/pkg/codec"
	"github.com/KevoDB/usf/pkg/common/log"
	"github.com/KevoDB/usf/pkg/container"
	"github.com/KevoDB/usf/pkg/format"
	"github.com/KevoDB/usf/pkg/index"
	"github.com/KevoDB/usf/pkg/stats"
	"github.com/KevoDB/usf/pkg/telemetry"
)

// Engine is an open container. All methods are safe for concurrent use.
type Engine struct {
	path      string
	container *container.Container
	stats     stats.Collector
	logger    log.Logger
	telemetry telemetry.Telemetry
	metrics   EngineMetrics

	closed atomic.Bool
}

// EntryInfo describes a stored key
type EntryInfo struct {
	index.Entry
	// StoredBytes is the on-disk size of the entry's block records
	StoredBytes uint64
}

// Create creates a new container at path. It fails with ErrContainerExists
// if anything already exists there.
func Create(path string, opts ...Option) (*Engine, error) {
	o := buildOptions(opts)
	start := time.Now()

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrContainerExists, path)
	}

	c, err := container.Create(path, o.cfg, o.key)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrContainerExists, path)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	e := newEngine(path, c, o)
	e.stats.TrackOperationWithLatency(stats.OpCreate, uint64(time.Since(start).Nanoseconds()))
	hdr := c.Header()
	e.logger.Info("Created container (block size %d, encrypted %v)", hdr.BlockSize, hdr.Encrypted())
	return e, nil
}

// Open opens an existing container. If the trailer or index is damaged the
// index is rebuilt from the block records before Open returns.
func Open(path string, opts ...Option) (*Engine, error) {
	o := buildOptions(opts)
	start := time.Now()

	c, err := container.Open(path, o.cfg, o.key)
	telemetry.RecordDuration(context.Background(), o.telemetry, "usf.engine.open.duration", start,
		attribute.Bool(telemetry.AttrSuccess, err == nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}

	e := newEngine(path, c, o)
	e.stats.TrackOperationWithLatency(stats.OpOpen, uint64(time.Since(start).Nanoseconds()))

	rec := c.Recovery()
	if rec.Reason != nil {
		e.reportRecovery(rec)
	} else {
		e.logger.Debug("Opened container with %d keys in %s", c.Len(), rec.Duration)
	}
	return e, nil
}

func newEngine(path string, c *container.Container, o *options) *Engine {
	return &Engine{
		path:      path,
		container: c,
		stats:     o.stats,
		telemetry: o.telemetry,
		metrics:   NewEngineMetrics(o.telemetry),
		logger: o.logger.WithFields(map[string]interface{}{
			"component": "engine",
			"path":      path,
		}),
	}
}

func (e *Engine) reportRecovery(rec container.RecoveryInfo) {
	e.logger.Warn("Index unusable (%v), rebuilt from %d records: %d entries, %d incomplete, %d regions (%d bytes) skipped in %s",
		rec.Reason, rec.Rebuild.Records, rec.Rebuild.Entries, rec.Rebuild.Incomplete,
		rec.Scan.Skipped, rec.Scan.SkippedBytes, rec.Duration)

	started := e.stats.StartRecovery().Add(-rec.Duration)
	e.stats.FinishRecovery(started, uint64(rec.Rebuild.Records+rec.Rebuild.Tombstones),
		uint64(rec.Rebuild.Entries), uint64(rec.Scan.Skipped))
	e.metrics.RecordRecovery(context.Background(), recoveryReason(rec.Reason), rec.Duration,
		int64(rec.Rebuild.Records+rec.Rebuild.Tombstones), int64(rec.Rebuild.Entries))
}

func recoveryReason(err error) string {
	switch {
	case errors.Is(err, format.ErrBadMagic):
		return "missing_trailer"
	case errors.Is(err, format.ErrChecksum):
		return "checksum"
	case errors.Is(err, format.ErrTruncated):
		return "truncated"
	default:
		return "invalid_index"
	}
}

// ValidateKey checks that key can be stored: non-empty, at most 65535
// bytes and valid UTF-8
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case len(key) > format.MaxKeyLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), format.MaxKeyLength)
	case !utf8.ValidString(key):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidKey)
	}
	return nil
}

// Store writes data under key, replacing any previous value
func (e *Engine) Store(key string, data []byte, dt format.DataType) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	ctx, span := e.telemetry.StartSpan(context.Background(), "usf.engine.store",
		attribute.String(telemetry.AttrDataType, dt.String()),
		attribute.Int("size", len(data)),
	)
	defer span.End()

	start := time.Now()
	res, err := e.container.Store(key, data, dt)
	elapsed := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpStore, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(ctx, string(stats.OpStore), elapsed, err == nil)
	if err != nil {
		e.trackFailure(ctx, stats.OpStore, key, err)
		return e.wrapClosed(err)
	}

	e.stats.TrackBytes(true, uint64(len(data)))
	e.stats.TrackBlocks(true, uint64(len(res.Blocks)))
	e.stats.TrackCompression(uint64(len(data)), res.StoredBytes)
	e.metrics.RecordBytes(ctx, string(stats.OpStore), int64(len(data)), int64(res.StoredBytes))
	for name, n := range codecCounts(res.Codecs) {
		e.stats.TrackCodec(name)
		e.metrics.RecordBlocks(ctx, string(stats.OpStore), name, n)
	}

	e.logger.Debug("Stored %q: %d bytes in %d blocks, %d on disk, transform %s",
		key, len(data), len(res.Blocks), res.StoredBytes, res.Transform)
	return nil
}

func codecCounts(ids []codec.ID) map[string]int64 {
	counts := make(map[string]int64, 1)
	for _, id := range ids {
		counts[id.String()]++
	}
	return counts
}

// Retrieve returns the bytes stored under key. A damaged block fails only
// this key, with an error matching ErrCorruptBlock, ErrDecodeMismatch,
// ErrUnsupportedCodec or ErrDecrypt and carrying a *BlockError.
func (e *Engine) Retrieve(key string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	ctx, span := e.telemetry.StartSpan(context.Background(), "usf.engine.retrieve")
	defer span.End()

	start := time.Now()
	data, err := e.container.Retrieve(key)
	elapsed := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpRetrieve, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(ctx, string(stats.OpRetrieve), elapsed, err == nil)
	if err != nil {
		e.trackFailure(ctx, stats.OpRetrieve, key, err)
		return nil, e.wrapClosed(err)
	}

	e.stats.TrackBytes(false, uint64(len(data)))
	if entry, _, ok := e.container.Stat(key); ok {
		e.stats.TrackBlocks(false, uint64(len(entry.Blocks)))
	}
	e.metrics.RecordBytes(ctx, string(stats.OpRetrieve), int64(len(data)), 0)
	return data, nil
}

// Delete removes key. The space is reclaimed by Compact.
func (e *Engine) Delete(key string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	start := time.Now()
	err := e.container.Delete(key)
	elapsed := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpDelete, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), string(stats.OpDelete), elapsed, err == nil)
	if err != nil {
		e.trackFailure(context.Background(), stats.OpDelete, key, err)
		return e.wrapClosed(err)
	}

	e.logger.Debug("Deleted %q", key)
	return nil
}

// List returns the stored keys in sorted order. The key set is captured
// when iteration starts, so each range over the sequence sees the keys
// present at that moment and concurrent writes never disturb it.
func (e *Engine) List() iter.Seq[string] {
	return func(yield func(string) bool) {
		if e.closed.Load() {
			return
		}
		e.stats.TrackOperation(stats.OpList)
		for _, key := range e.container.Keys() {
			if !yield(key) {
				return
			}
		}
	}
}

// Len returns the number of stored keys
func (e *Engine) Len() int {
	if e.closed.Load() {
		return 0
	}
	return e.container.Len()
}

// Stat returns the index entry for key
func (e *Engine) Stat(key string) (EntryInfo, error) {
	if e.closed.Load() {
		return EntryInfo{}, ErrEngineClosed
	}
	e.stats.TrackOperation(stats.OpStat)

	entry, stored, ok := e.container.Stat(key)
	if !ok {
		return EntryInfo{}, ErrKeyNotFound
	}
	return EntryInfo{Entry: entry, StoredBytes: stored}, nil
}

// Verify reads back every entry and reports the ones that fail. It does
// not stop at the first failure.
func (e *Engine) Verify() ([]Corruption, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	start := time.Now()
	corrupt, err := e.container.Verify()
	elapsed := time.Since(start)

	e.stats.TrackOperationWithLatency(stats.OpVerify, uint64(elapsed.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), string(stats.OpVerify), elapsed, err == nil)
	if err != nil {
		return nil, e.wrapClosed(err)
	}

	for _, c := range corrupt {
		e.trackFailure(context.Background(), stats.OpVerify, c.Key, c.Err)
	}
	if len(corrupt) > 0 {
		e.logger.Warn("Verification found %d damaged of %d keys", len(corrupt), e.container.Len())
	} else {
		e.logger.Info("Verified %d keys in %s", e.container.Len(), elapsed)
	}
	return corrupt, nil
}

// Compact rewrites the container without superseded versions, deleted
// keys or tombstones
func (e *Engine) Compact() (CompactStats, error) {
	if e.closed.Load() {
		return CompactStats{}, ErrEngineClosed
	}

	res, err := e.container.Compact()
	e.stats.TrackOperationWithLatency(stats.OpCompact, uint64(res.Duration.Nanoseconds()))
	e.metrics.RecordOperation(context.Background(), string(stats.OpCompact), res.Duration, err == nil)
	if err != nil {
		e.trackFailure(context.Background(), stats.OpCompact, "", err)
		return res, e.wrapClosed(err)
	}

	e.stats.TrackCompaction(res.Reclaimed())
	e.metrics.RecordCompaction(context.Background(), res.Duration, res.Reclaimed())
	e.logger.Info("Compacted %d entries (%d blocks): %d -> %d bytes in %s",
		res.Entries, res.Blocks, res.BytesBefore, res.BytesAfter, res.Duration)
	return res, nil
}

// Close flushes pending writes and releases the file. Calling it again is
// a no-op.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.stats.TrackOperation(stats.OpClose)
	err := e.container.Close()
	e.metrics.Close()
	if err != nil {
		e.logger.Error("Failed to close container: %v", err)
		return fmt.Errorf("failed to close container: %w", err)
	}
	e.logger.Debug("Closed container")
	return nil
}

// Stats returns the collected statistics together with container totals
func (e *Engine) Stats() map[string]interface{} {
	out := e.stats.GetStats()
	if !e.closed.Load() {
		size := e.container.Size()
		reclaimable := e.container.Reclaimable()
		out["keys"] = e.container.Len()
		out["file_size"] = size
		out["logical_size"] = e.container.LogicalSize()
		out["reclaimable_bytes"] = reclaimable
		out["compaction_suggested"] = compactionSuggested(reclaimable, size)
	}
	out["recovery_state"] = e.RecoveryState().String()
	return out
}

// Compaction is suggested once at least CompactionMinReclaim bytes could be
// freed and they make up CompactionMinRatio of the file
const (
	CompactionMinReclaim = 1 << 20
	CompactionMinRatio   = 0.5
)

func compactionSuggested(reclaimable, size int64) bool {
	return reclaimable >= CompactionMinReclaim && float64(reclaimable) >= CompactionMinRatio*float64(size)
}

// Path returns the container file path
func (e *Engine) Path() string {
	return e.path
}

// Header returns the container file header
func (e *Engine) Header() format.FileHeader {
	return e.container.Header()
}

// Size returns the committed size of the container file in bytes
func (e *Engine) Size() int64 {
	return e.container.Size()
}

// RecoveryState returns the state of the index recovery machine. Open only
// returns once a rebuild has finished, so callers always observe
// IndexLoaded.
func (e *Engine) RecoveryState() index.RecoveryState {
	return e.container.Recovery().State
}

// LastRecovery describes how the index was obtained at open
func (e *Engine) LastRecovery() RecoveryInfo {
	return e.container.Recovery()
}

// trackFailure classifies err for stats, telemetry and the log
func (e *Engine) trackFailure(ctx context.Context, op stats.OperationType, key string, err error) {
	var be *BlockError
	switch {
	case errors.Is(err, ErrKeyNotFound):
		// a miss, not a failure
	case errors.As(err, &be):
		kind := be.Kind.String()
		e.stats.TrackCorruption(kind)
		e.metrics.RecordCorruption(ctx, kind)
		if be.Index >= 0 {
			e.logger.WithField("key", key).Warn("%s in block %d (seq %d, offset %d): %v",
				kind, be.Index, be.Sequence, be.Offset, be.Err)
		} else {
			e.logger.WithField("key", key).Warn("%s: %v", kind, be.Err)
		}
	case errors.Is(err, ErrIO):
		e.stats.TrackError("io_error")
		e.metrics.RecordError(ctx, "io", string(op))
		e.logger.Error("%s failed: %v", op, err)
	default:
		e.stats.TrackError(string(op) + "_error")
		e.metrics.RecordError(ctx, "other", string(op))
	}
}

// wrapClosed maps the container's closed error onto the engine's
func (e *Engine) wrapClosed(err error) error {
	if errors.Is(err, container.ErrClosed) {
		return ErrEngineClosed
	}
	return err
}
