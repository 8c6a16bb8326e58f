package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	// Track operations
	collector.TrackOperation(OpAppend)
	collector.TrackOperation(OpAppend)
	collector.TrackOperation(OpTranslate)

	// Get stats
	stats := collector.GetStats()

	// Verify counts
	if stats["append_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 append operations, got %v", stats["append_ops"])
	}

	if stats["translate_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 translate operation, got %v", stats["translate_ops"])
	}

	// Verify last operation times exist
	if _, exists := stats["last_append_time"]; !exists {
		t.Errorf("Expected last_append_time to exist in stats")
	}

	if _, exists := stats["last_translate_time"]; !exists {
		t.Errorf("Expected last_translate_time to exist in stats")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	// Track operations with latency
	collector.TrackOperationWithLatency(OpAllocate, 100)
	collector.TrackOperationWithLatency(OpAllocate, 200)
	collector.TrackOperationWithLatency(OpAllocate, 300)

	// Get stats
	stats := collector.GetStats()

	// Check latency stats
	latencyStats, ok := stats["allocate_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected allocate_latency to be a map, got %T", stats["allocate_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}

	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}

	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}

	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// Launch goroutines to track operations concurrently
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()

			for j := 0; j < opsPerGoroutine; j++ {
				// Mix different operations
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpAppend)
				case 1:
					collector.TrackOperation(OpTranslate)
				case 2:
					collector.TrackOperationWithLatency(OpRelease, uint64(j))
				}
			}
		}(i)
	}

	wg.Wait()

	// Get stats
	stats := collector.GetStats()

	// There should be approximately opsPerGoroutine * numGoroutines / 3 operations of each type
	expectedOps := uint64(numGoroutines * opsPerGoroutine / 3)

	// Allow for small variations due to concurrent execution
	// Use 99% of expected as minimum threshold
	minThreshold := expectedOps * 99 / 100

	if ops := stats["append_ops"].(uint64); ops < minThreshold {
		t.Errorf("Expected approximately %d append operations, got %v (below threshold %d)",
			expectedOps, ops, minThreshold)
	}

	if ops := stats["translate_ops"].(uint64); ops < minThreshold {
		t.Errorf("Expected approximately %d translate operations, got %v (below threshold %d)",
			expectedOps, ops, minThreshold)
	}

	if ops := stats["release_ops"].(uint64); ops < minThreshold {
		t.Errorf("Expected approximately %d release operations, got %v (below threshold %d)",
			expectedOps, ops, minThreshold)
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	// Track different operations
	collector.TrackOperation(OpAppend)
	collector.TrackOperation(OpTranslate)
	collector.TrackOperation(OpTranslate)
	collector.TrackOperation(OpRelease)
	collector.TrackError("out_of_blocks")
	collector.TrackError("double_free")

	// Filter by "translate" prefix
	translateStats := collector.GetStatsFiltered("translate")

	// Should only contain translate_ops and related stats
	if len(translateStats) == 0 {
		t.Errorf("Expected non-empty filtered stats")
	}

	if _, exists := translateStats["translate_ops"]; !exists {
		t.Errorf("Expected translate_ops in filtered stats")
	}

	if _, exists := translateStats["append_ops"]; exists {
		t.Errorf("Did not expect append_ops in translate-filtered stats")
	}

	// Filter by "error" prefix
	errorStats := collector.GetStatsFiltered("error")

	if _, exists := errorStats["errors"]; !exists {
		t.Errorf("Expected errors in error-filtered stats")
	}
}

func TestCollector_TrackTokens(t *testing.T) {
	collector := NewAtomicCollector()

	// Track appended tokens
	collector.TrackTokens(30)
	collector.TrackTokens(10)

	stats := collector.GetStats()

	if tokens := stats["tokens_appended"].(uint64); tokens != 40 {
		t.Errorf("Expected 40 tokens appended, got %v", tokens)
	}
}

func TestCollector_TrackUsageGauges(t *testing.T) {
	collector := NewAtomicCollector()

	// Track pool and registry gauges
	collector.TrackFreeBlocks(98)
	collector.TrackActiveSequences(3)

	stats := collector.GetStats()

	if free := stats["free_blocks"].(uint64); free != 98 {
		t.Errorf("Expected 98 free blocks, got %v", free)
	}

	if seqs := stats["active_sequences"].(uint64); seqs != 3 {
		t.Errorf("Expected 3 active sequences, got %v", seqs)
	}

	// Gauges overwrite, not accumulate
	collector.TrackFreeBlocks(60)

	stats = collector.GetStats()

	if free := stats["free_blocks"].(uint64); free != 60 {
		t.Errorf("Expected updated free blocks 60, got %v", free)
	}
}

func TestCollector_TrackExhaustion(t *testing.T) {
	collector := NewAtomicCollector()

	stats := collector.GetStats()
	if _, exists := stats["last_exhaustion_time"]; exists {
		t.Errorf("Did not expect last_exhaustion_time before any exhaustion")
	}

	collector.TrackExhaustion()
	collector.TrackExhaustion()

	stats = collector.GetStats()

	if count := stats["exhaustion_count"].(uint64); count != 2 {
		t.Errorf("Expected 2 exhaustion events, got %v", count)
	}

	if _, exists := stats["last_exhaustion_time"]; !exists {
		t.Errorf("Expected last_exhaustion_time after exhaustion")
	}
}

func TestCollector_ReplayStats(t *testing.T) {
	collector := NewAtomicCollector()

	// Start replay
	startTime := collector.StartReplay()

	// Simulate some work
	time.Sleep(10 * time.Millisecond)

	// Finish replay
	collector.FinishReplay(startTime, 1000, 2)

	stats := collector.GetStats()
	replayStats, ok := stats["replay"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected replay stats to be a map")
	}

	if applied := replayStats["records_applied"].(uint64); applied != 1000 {
		t.Errorf("Expected 1000 records applied, got %v", applied)
	}

	if corrupted := replayStats["corrupted_records"].(uint64); corrupted != 2 {
		t.Errorf("Expected 2 corrupted records, got %v", corrupted)
	}

	if _, exists := replayStats["replay_duration_ms"]; !exists {
		t.Errorf("Expected replay_duration_ms in replay stats")
	}
}
