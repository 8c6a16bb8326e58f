package stats

import "time"

// Provider defines the interface for components that provide statistics
type Provider interface {
	// GetStats returns all statistics
	GetStats() map[string]interface{}

	// GetStatsFiltered returns statistics filtered by prefix
	GetStatsFiltered(prefix string) map[string]interface{}
}

// Collector interface defines methods for collecting statistics
type Collector interface {
	Provider

	// TrackOperation records a single operation
	TrackOperation(op OperationType)

	// TrackOperationWithLatency records an operation with its latency
	TrackOperationWithLatency(op OperationType, latencyNs uint64)

	// TrackError increments the counter for the specified error type
	TrackError(errorType string)

	// TrackTokens adds the specified number of tokens to the appended-token counter
	TrackTokens(count uint64)

	// TrackFreeBlocks records the current number of free blocks in the pool
	TrackFreeBlocks(count uint64)

	// TrackActiveSequences records the current number of registered sequences
	TrackActiveSequences(count uint64)

	// TrackExhaustion records a pool exhaustion event
	TrackExhaustion()

	// StartReplay initializes replay statistics
	StartReplay() time.Time

	// FinishReplay completes replay statistics
	FinishReplay(startTime time.Time, recordsApplied, corruptedRecords uint64)
}

// Ensure AtomicCollector implements the Collector interface
var _ Collector = (*AtomicCollector)(nil)
