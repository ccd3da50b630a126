package stats

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked
type OperationType string

// Engine operation types
const (
	OpCreate   OperationType = "create"
	OpOpen     OperationType = "open"
	OpStore    OperationType = "store"
	OpRetrieve OperationType = "retrieve"
	OpDelete   OperationType = "delete"
	OpList     OperationType = "list"
	OpStat     OperationType = "stat"
	OpVerify   OperationType = "verify"
	OpCompact  OperationType = "compact"
	OpClose    OperationType = "close"
)

// AtomicCollector provides centralized statistics collection with minimal contention
// using atomic operations for thread safety
type AtomicCollector struct {
	// Operation counters using atomic values
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // Only used when creating new counter entries

	// Timing measurements for last operation timestamps
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex

	// Logical bytes as seen by callers
	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	// Physical storage
	blocksRead    atomic.Uint64
	blocksWritten atomic.Uint64
	rawBytes      atomic.Uint64
	storedBytes   atomic.Uint64

	errors   *namedCounters
	codecs   *namedCounters
	corrupts *namedCounters

	compactionCount atomic.Uint64
	bytesReclaimed  atomic.Int64

	recoveryStats RecoveryStats

	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex // Only used when creating new latency trackers
}

// RecoveryStats tracks the most recent index rebuild
type RecoveryStats struct {
	Rebuilds         atomic.Uint64
	RecordsScanned   atomic.Uint64
	EntriesRebuilt   atomic.Uint64
	RegionsSkipped   atomic.Uint64
	RecoveryDuration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds, zero until the first sample
}

// namedCounters is a lazily populated set of counters keyed by name
type namedCounters struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

func newNamedCounters() *namedCounters {
	return &namedCounters{counters: make(map[string]*atomic.Uint64)}
}

func (n *namedCounters) add(name string, delta uint64) {
	n.mu.RLock()
	counter, exists := n.counters[name]
	n.mu.RUnlock()

	if !exists {
		n.mu.Lock()
		if counter, exists = n.counters[name]; !exists {
			counter = &atomic.Uint64{}
			n.counters[name] = counter
		}
		n.mu.Unlock()
	}

	counter.Add(delta)
}

func (n *namedCounters) snapshot() map[string]uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]uint64, len(n.counters))
	for name, counter := range n.counters {
		out[name] = counter.Load()
	}
	return out
}

// NewAtomicCollector creates a new atomic statistics collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     newNamedCounters(),
		codecs:     newNamedCounters(),
		corrupts:   newNamedCounters(),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)
}

// TrackOperationWithLatency tracks an operation and its latency
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	c.getOrCreateCounter(op).Add(1)
	c.touch(op)

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current {
			break
		}
		if tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current != 0 && latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

func (c *AtomicCollector) touch(op OperationType) {
	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackError increments the counter for the specified error type
func (c *AtomicCollector) TrackError(errorType string) {
	c.errors.add(errorType, 1)
}

// TrackBytes adds logical bytes to the read or write counter
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackBlocks adds n blocks to the blocks read or written counter
func (c *AtomicCollector) TrackBlocks(isWrite bool, n uint64) {
	if isWrite {
		c.blocksWritten.Add(n)
	} else {
		c.blocksRead.Add(n)
	}
}

// TrackCompression records the raw and stored sizes of one stored entry
func (c *AtomicCollector) TrackCompression(rawBytes, storedBytes uint64) {
	c.rawBytes.Add(rawBytes)
	c.storedBytes.Add(storedBytes)
}

// TrackCodec counts one write with the named codec
func (c *AtomicCollector) TrackCodec(name string) {
	c.codecs.add(name, 1)
}

// TrackCorruption counts a verification failure of the given kind
func (c *AtomicCollector) TrackCorruption(kind string) {
	c.corrupts.add(kind, 1)
}

// TrackCompaction counts a compaction and the bytes it reclaimed
func (c *AtomicCollector) TrackCompaction(reclaimedBytes int64) {
	c.compactionCount.Add(1)
	c.bytesReclaimed.Add(reclaimedBytes)
}

// StartRecovery initializes recovery statistics
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.RecordsScanned.Store(0)
	c.recoveryStats.EntriesRebuilt.Store(0)
	c.recoveryStats.RegionsSkipped.Store(0)
	c.recoveryStats.RecoveryDuration.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics
func (c *AtomicCollector) FinishRecovery(startTime time.Time, recordsScanned, entriesRebuilt, regionsSkipped uint64) {
	c.recoveryStats.Rebuilds.Add(1)
	c.recoveryStats.RecordsScanned.Store(recordsScanned)
	c.recoveryStats.EntriesRebuilt.Store(entriesRebuilt)
	c.recoveryStats.RegionsSkipped.Store(regionsSkipped)
	c.recoveryStats.RecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["blocks_read"] = c.blocksRead.Load()
	stats["blocks_written"] = c.blocksWritten.Load()

	raw := c.rawBytes.Load()
	stored := c.storedBytes.Load()
	stats["compression_raw_bytes"] = raw
	stats["compression_stored_bytes"] = stored
	if stored > 0 {
		stats["compression_ratio"] = float64(raw) / float64(stored)
	}

	stats["compaction_count"] = c.compactionCount.Load()
	stats["compaction_reclaimed_bytes"] = c.bytesReclaimed.Load()

	stats["errors"] = c.errors.snapshot()
	stats["codecs"] = c.codecs.snapshot()
	stats["corruption"] = c.corrupts.snapshot()

	recoveryStats := map[string]interface{}{
		"rebuilds":        c.recoveryStats.Rebuilds.Load(),
		"records_scanned": c.recoveryStats.RecordsScanned.Load(),
		"entries_rebuilt": c.recoveryStats.EntriesRebuilt.Load(),
		"regions_skipped": c.recoveryStats.RegionsSkipped.Load(),
	}
	if d := c.recoveryStats.RecoveryDuration.Load(); d > 0 {
		recoveryStats["duration_ms"] = d / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	filtered := make(map[string]interface{})
	for key, value := range c.GetStats() {
		if strings.HasPrefix(key, prefix) {
			filtered[key] = value
		}
	}
	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}
