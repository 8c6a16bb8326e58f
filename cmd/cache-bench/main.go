package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/cache"
	"github.com/PagedKV/pagedkv/pkg/config"
	"github.com/PagedKV/pagedkv/pkg/trace"
)

const (
	defaultSequences = 8
	defaultTokens    = 1024
	defaultBlocks    = 1024
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (append, translate, churn, concurrent, replay, or all)")
	duration      = flag.Duration("duration", 10*time.Second, "Duration to run each benchmark")
	numSequences  = flag.Int("sequences", defaultSequences, "Number of concurrent sequences")
	tokensPerSeq  = flag.Int("tokens", defaultTokens, "Tokens per sequence before it is recycled")
	totalBlocks   = flag.Int("blocks", defaultBlocks, "Total physical blocks in the pool")
	blockSize     = flag.Int("block-size", 16, "Token slots per block")
	numLayers     = flag.Int("layers", 4, "Attention layers in the payload shape")
	numHeads      = flag.Int("heads", 8, "Attention heads per layer")
	headDim       = flag.Int("head-dim", 64, "Head dimension")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
	traceOut      = flag.String("trace-out", "", "Directory to record benchmark workloads as trace files")
	traceIn       = flag.String("trace-in", "", "Trace file to replay (replay benchmark; default records its own)")
)

func main() {
	flag.Parse()

	// Set up CPU profiling if requested
	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	blocksPerSeq := (*tokensPerSeq + *blockSize - 1) / *blockSize
	if *numSequences*blocksPerSeq > *totalBlocks {
		fmt.Fprintf(os.Stderr, "Pool of %d blocks cannot hold %d sequences of %d tokens (%d blocks each)\n",
			*totalBlocks, *numSequences, *tokensPerSeq, blocksPerSeq)
		os.Exit(1)
	}

	var results []string
	results = append(results, fmt.Sprintf("Cache Benchmark Report (%s)", time.Now().Format(time.RFC3339)))
	results = append(results, fmt.Sprintf("Pool: %d blocks x %d tokens, Shape: %dx%dx%d, Sequences: %d, Tokens/seq: %d, Duration: %s",
		*totalBlocks, *blockSize, *numLayers, *numHeads, *headDim, *numSequences, *tokensPerSeq, *duration))

	types := strings.Split(*benchmarkType, ",")
	for _, typ := range types {
		switch strings.ToLower(typ) {
		case "append":
			results = append(results, runAppendBenchmark())
		case "translate":
			results = append(results, runTranslateBenchmark())
		case "churn":
			results = append(results, runChurnBenchmark())
		case "concurrent":
			results = append(results, runConcurrentBenchmark())
		case "replay":
			results = append(results, runReplayBenchmark())
		case "all":
			results = append(results, runAppendBenchmark())
			results = append(results, runTranslateBenchmark())
			results = append(results, runChurnBenchmark())
			results = append(results, runConcurrentBenchmark())
			results = append(results, runReplayBenchmark())
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	// Print results
	for _, result := range results {
		fmt.Println(result)
	}

	// Write results to file if requested
	if *resultsFile != "" {
		err := os.WriteFile(*resultsFile, []byte(strings.Join(results, "\n")), 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	// Write memory profile if requested
	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC() // Run GC before taking memory profile
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

// newBenchManager builds a fresh manager from the benchmark flags so each
// benchmark starts from an empty pool. When -trace-out is set a recorder
// is attached; the caller owns closing it.
func newBenchManager() (*cache.Manager, *trace.Writer, error) {
	cfg := config.NewDefaultConfig("")
	cfg.TotalBlocks = *totalBlocks
	cfg.BlockSize = *blockSize
	cfg.NumLayers = *numLayers
	cfg.NumHeads = *numHeads
	cfg.HeadDim = *headDim

	mgr, err := cache.NewManager(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cache manager: %w", err)
	}

	var recorder *trace.Writer
	if *traceOut != "" {
		recorder, err = trace.NewWriter(*traceOut)
		if err != nil {
			mgr.Close()
			return nil, nil, fmt.Errorf("failed to create trace writer: %w", err)
		}
		mgr.SetRecorder(recorder)
	}

	return mgr, recorder, nil
}

// closeBench tears down a benchmark manager and its optional recorder,
// returning a result note mentioning the captured trace.
func closeBench(mgr *cache.Manager, recorder *trace.Writer) string {
	note := ""
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing trace writer: %v\n", err)
		} else {
			note = fmt.Sprintf("\n  Trace captured: %s", recorder.Path())
		}
	}
	if err := mgr.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing manager: %v\n", err)
	}
	return note
}

// runAppendBenchmark measures single-token append throughput across a
// fixed set of sequences, recycling each sequence when it reaches the
// configured token count.
func runAppendBenchmark() string {
	fmt.Println("Running Append Benchmark...")

	mgr, recorder, err := newBenchManager()
	if err != nil {
		return fmt.Sprintf("\nAppend Benchmark Results:\n  Error: %v", err)
	}

	ids := make([]string, *numSequences)
	for i := range ids {
		ids[i] = fmt.Sprintf("bench-%d", i)
		if err := mgr.CreateSequence(ids[i]); err != nil {
			closeBench(mgr, recorder)
			return fmt.Sprintf("\nAppend Benchmark Results:\n  Error: %v", err)
		}
	}

	start := time.Now()
	deadline := start.Add(*duration)

	var opsCount, recycles int
	var consecutiveErrors int
	maxConsecutiveErrors := 10

	for time.Now().Before(deadline) {
		for _, id := range ids {
			if err := mgr.AppendToken(id); err != nil {
				if errors.Is(err, blockpool.ErrOutOfBlocks) {
					// Recycle the longest-standing allocation and continue.
					if relErr := mgr.ReleaseSequence(id); relErr != nil {
						fmt.Fprintf(os.Stderr, "Release error: %v\n", relErr)
						goto benchmarkEnd
					}
					if crErr := mgr.CreateSequence(id); crErr != nil {
						fmt.Fprintf(os.Stderr, "Create error: %v\n", crErr)
						goto benchmarkEnd
					}
					recycles++
					continue
				}
				fmt.Fprintf(os.Stderr, "Append error: %v\n", err)
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					fmt.Fprintf(os.Stderr, "Too many consecutive errors, stopping benchmark\n")
					goto benchmarkEnd
				}
				continue
			}
			consecutiveErrors = 0
			opsCount++

			if st, err := mgr.SequenceStatus(id); err == nil && st.TokenCount >= *tokensPerSeq {
				if relErr := mgr.ReleaseSequence(id); relErr != nil {
					fmt.Fprintf(os.Stderr, "Release error: %v\n", relErr)
					goto benchmarkEnd
				}
				if crErr := mgr.CreateSequence(id); crErr != nil {
					fmt.Fprintf(os.Stderr, "Create error: %v\n", crErr)
					goto benchmarkEnd
				}
				recycles++
			}
		}
	}

benchmarkEnd:
	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	note := closeBench(mgr, recorder)

	result := fmt.Sprintf("\nAppend Benchmark Results:")
	result += fmt.Sprintf("\n  Tokens Appended: %d", opsCount)
	result += fmt.Sprintf("\n  Sequences Recycled: %d", recycles)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f appends/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	result += note

	return result
}

// runTranslateBenchmark measures address translation throughput over
// pre-populated sequences.
func runTranslateBenchmark() string {
	fmt.Println("Running Translate Benchmark...")

	mgr, recorder, err := newBenchManager()
	if err != nil {
		return fmt.Sprintf("\nTranslate Benchmark Results:\n  Error: %v", err)
	}
	defer closeBench(mgr, recorder)

	ids := make([]string, *numSequences)
	for i := range ids {
		ids[i] = fmt.Sprintf("bench-%d", i)
		if err := mgr.CreateSequence(ids[i]); err != nil {
			return fmt.Sprintf("\nTranslate Benchmark Results:\n  Error: %v", err)
		}
		if _, err := mgr.AppendTokens(ids[i], *tokensPerSeq); err != nil {
			return fmt.Sprintf("\nTranslate Benchmark Results:\n  Error: %v", err)
		}
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	deadline := start.Add(*duration)

	var opsCount int
	for time.Now().Before(deadline) {
		// Batch the deadline check; a single translate is too cheap to
		// justify a clock read per operation.
		for i := 0; i < 1000; i++ {
			id := ids[r.Intn(len(ids))]
			idx := r.Intn(*tokensPerSeq)
			if _, _, err := mgr.Translate(id, idx); err != nil {
				return fmt.Sprintf("\nTranslate Benchmark Results:\n  Error: %v", err)
			}
			opsCount++
		}
	}

	elapsed := time.Since(start)
	opsPerSecond := float64(opsCount) / elapsed.Seconds()

	result := fmt.Sprintf("\nTranslate Benchmark Results:")
	result += fmt.Sprintf("\n  Translations: %d", opsCount)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f translations/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)

	return result
}

// runChurnBenchmark measures full sequence lifecycles: create, batch
// append, release.
func runChurnBenchmark() string {
	fmt.Println("Running Churn Benchmark...")

	mgr, recorder, err := newBenchManager()
	if err != nil {
		return fmt.Sprintf("\nChurn Benchmark Results:\n  Error: %v", err)
	}

	start := time.Now()
	deadline := start.Add(*duration)

	var cycles, tokens int
	for time.Now().Before(deadline) {
		id := "bench-" + uuid.NewString()
		if err := mgr.CreateSequence(id); err != nil {
			fmt.Fprintf(os.Stderr, "Create error: %v\n", err)
			break
		}
		appended, err := mgr.AppendTokens(id, *tokensPerSeq)
		tokens += appended
		if err != nil {
			fmt.Fprintf(os.Stderr, "Append error: %v\n", err)
			break
		}
		if err := mgr.ReleaseSequence(id); err != nil {
			fmt.Fprintf(os.Stderr, "Release error: %v\n", err)
			break
		}
		cycles++
	}

	elapsed := time.Since(start)
	cyclesPerSecond := float64(cycles) / elapsed.Seconds()
	note := closeBench(mgr, recorder)

	result := fmt.Sprintf("\nChurn Benchmark Results:")
	result += fmt.Sprintf("\n  Lifecycles: %d (%d tokens each)", cycles, *tokensPerSeq)
	result += fmt.Sprintf("\n  Tokens Appended: %d", tokens)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f lifecycles/sec (%.2f tokens/sec)",
		cyclesPerSecond, float64(tokens)/elapsed.Seconds())
	result += note

	return result
}

// runConcurrentBenchmark drives independent sequences from one goroutine
// each over the shared pool.
func runConcurrentBenchmark() string {
	fmt.Println("Running Concurrent Benchmark...")

	mgr, recorder, err := newBenchManager()
	if err != nil {
		return fmt.Sprintf("\nConcurrent Benchmark Results:\n  Error: %v", err)
	}

	start := time.Now()
	deadline := start.Add(*duration)

	var totalOps, totalRecycles atomic.Int64

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *numSequences; i++ {
		g.Go(func() error {
			id := "bench-" + uuid.NewString()
			if err := mgr.CreateSequence(id); err != nil {
				return err
			}

			tokens := 0
			for time.Now().Before(deadline) && ctx.Err() == nil {
				if err := mgr.AppendToken(id); err != nil {
					if errors.Is(err, blockpool.ErrOutOfBlocks) {
						if err := mgr.ReleaseSequence(id); err != nil {
							return err
						}
						if err := mgr.CreateSequence(id); err != nil {
							return err
						}
						tokens = 0
						totalRecycles.Add(1)
						continue
					}
					return err
				}
				totalOps.Add(1)
				tokens++

				if tokens >= *tokensPerSeq {
					if err := mgr.ReleaseSequence(id); err != nil {
						return err
					}
					if err := mgr.CreateSequence(id); err != nil {
						return err
					}
					tokens = 0
					totalRecycles.Add(1)
				}
			}
			return mgr.ReleaseSequence(id)
		})
	}

	groupErr := g.Wait()
	elapsed := time.Since(start)
	opsCount := totalOps.Load()
	opsPerSecond := float64(opsCount) / elapsed.Seconds()
	note := closeBench(mgr, recorder)

	result := fmt.Sprintf("\nConcurrent Benchmark Results:")
	if groupErr != nil {
		result += fmt.Sprintf("\n  Error: %v", groupErr)
	}
	result += fmt.Sprintf("\n  Goroutines: %d", *numSequences)
	result += fmt.Sprintf("\n  Tokens Appended: %d", opsCount)
	result += fmt.Sprintf("\n  Sequences Recycled: %d", totalRecycles.Load())
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f appends/sec", opsPerSecond)
	result += fmt.Sprintf("\n  Latency: %.3f µs/op", 1000000.0/opsPerSecond)
	result += note

	return result
}

// runReplayBenchmark measures trace replay throughput. Without -trace-in
// it first records a reference workload, then replays it repeatedly into
// a fresh manager until the duration elapses.
func runReplayBenchmark() string {
	fmt.Println("Running Replay Benchmark...")

	tracePath := *traceIn
	if tracePath == "" {
		path, err := recordReferenceWorkload()
		if err != nil {
			return fmt.Sprintf("\nReplay Benchmark Results:\n  Error: %v", err)
		}
		tracePath = path
	}

	cfg := config.NewDefaultConfig("")
	cfg.TotalBlocks = *totalBlocks
	cfg.BlockSize = *blockSize
	cfg.NumLayers = *numLayers
	cfg.NumHeads = *numHeads
	cfg.HeadDim = *headDim

	mgr, err := cache.NewManager(cfg)
	if err != nil {
		return fmt.Sprintf("\nReplay Benchmark Results:\n  Error: %v", err)
	}
	defer mgr.Close()

	start := time.Now()
	deadline := start.Add(*duration)

	var passes int
	var totalRecords, totalSkipped uint64
	var replayErr error

	for time.Now().Before(deadline) {
		st, err := mgr.Replay(tracePath)
		if st != nil {
			totalRecords += st.RecordsApplied
			totalSkipped += st.RecordsSkipped
		}
		if err != nil {
			// A trace that does not end by releasing its sequences can
			// only be applied to a fresh manager once.
			replayErr = err
			break
		}
		passes++
	}

	elapsed := time.Since(start)
	recordsPerSecond := float64(totalRecords) / elapsed.Seconds()

	result := fmt.Sprintf("\nReplay Benchmark Results:")
	result += fmt.Sprintf("\n  Trace: %s", tracePath)
	if replayErr != nil {
		result += fmt.Sprintf("\n  Stopped after error: %v", replayErr)
	}
	result += fmt.Sprintf("\n  Passes: %d", passes)
	result += fmt.Sprintf("\n  Records Applied: %d (%d skipped)", totalRecords, totalSkipped)
	result += fmt.Sprintf("\n  Time: %.2f seconds", elapsed.Seconds())
	result += fmt.Sprintf("\n  Throughput: %.2f records/sec", recordsPerSecond)

	return result
}

// recordReferenceWorkload captures a create/append/release pass over the
// configured sequence set and returns the trace file path.
func recordReferenceWorkload() (string, error) {
	dir := *traceOut
	if dir == "" {
		tempDir, err := os.MkdirTemp("", "cache-bench-trace-")
		if err != nil {
			return "", fmt.Errorf("failed to create trace directory: %w", err)
		}
		dir = tempDir
	}

	cfg := config.NewDefaultConfig("")
	cfg.TotalBlocks = *totalBlocks
	cfg.BlockSize = *blockSize
	cfg.NumLayers = *numLayers
	cfg.NumHeads = *numHeads
	cfg.HeadDim = *headDim

	mgr, err := cache.NewManager(cfg)
	if err != nil {
		return "", err
	}
	defer mgr.Close()

	recorder, err := trace.NewWriter(dir)
	if err != nil {
		return "", err
	}
	mgr.SetRecorder(recorder)

	for i := 0; i < *numSequences; i++ {
		id := fmt.Sprintf("bench-%d", i)
		if err := mgr.CreateSequence(id); err != nil {
			recorder.Close()
			return "", err
		}
		if _, err := mgr.AppendTokens(id, *tokensPerSeq); err != nil {
			recorder.Close()
			return "", err
		}
	}
	for i := 0; i < *numSequences; i++ {
		if err := mgr.ReleaseSequence(fmt.Sprintf("bench-%d", i)); err != nil {
			recorder.Close()
			return "", err
		}
	}

	if err := recorder.Close(); err != nil {
		return "", fmt.Errorf("failed to close trace writer: %w", err)
	}
	return recorder.Path(), nil
}
