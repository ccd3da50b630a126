package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector receives counters from the engine. Every method must return
// quickly and never block the caller.
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackBytes adds logical (uncompressed) bytes to the read or write counter
	TrackBytes(isWrite bool, bytes uint64)

	// TrackBlocks adds n blocks to the blocks read or written counter
	TrackBlocks(isWrite bool, n uint64)

	// TrackCompression records the raw and stored sizes of one stored entry
	TrackCompression(rawBytes, storedBytes uint64)

	// TrackCodec counts one entry or block written with the named codec
	TrackCodec(name string)

	// TrackCorruption counts a verification failure of the given kind
	TrackCorruption(kind string)

	// TrackCompaction counts a compaction and the bytes it reclaimed
	TrackCompaction(reclaimedBytes int64)

	// StartRecovery initializes recovery statistics
	StartRecovery() time.Time

	// FinishRecovery completes recovery statistics
	FinishRecovery(startTime time.Time, recordsScanned, entriesRebuilt, regionsSkipped uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
