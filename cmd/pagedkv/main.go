package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/PagedKV/pagedkv/pkg/cache"
	"github.com/PagedKV/pagedkv/pkg/common/log"
	"github.com/PagedKV/pagedkv/pkg/config"
	"github.com/PagedKV/pagedkv/pkg/sim"
	"github.com/PagedKV/pagedkv/pkg/snapshot"
	"github.com/PagedKV/pagedkv/pkg/telemetry"
	"github.com/PagedKV/pagedkv/pkg/trace"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("CREATE"),
	readline.PcItem("APPEND"),
	readline.PcItem("TRANSLATE"),
	readline.PcItem("BLOCKS"),
	readline.PcItem("RELEASE"),
	readline.PcItem("STATUS"),
	readline.PcItem("STATS"),
	readline.PcItem("CANALLOC"),
	readline.PcItem("SNAPSHOT"),
	readline.PcItem("INSPECT"),
	readline.PcItem("REPLAY"),
)

const helpText = `
pagedkv - paged KV-cache block manager.

Usage:
  pagedkv [options] [state_path]  - Start with an optional state directory

Options:
  -blocks N               - Total physical blocks in the pool (default 100)
  -block-size N           - Token slots per block (default 16)
  -layers N               - Attention layers in the payload shape (default 4)
  -heads N                - Attention heads per layer (default 8)
  -head-dim N             - Head dimension (default 64)
  -log-level LEVEL        - debug, info, warn, error (default "info")
  -telemetry              - Enable OpenTelemetry metrics and traces
  -record                 - Record operations to a trace file
  -snapshot-codec NAME    - Snapshot compression: none, snappy, zstd (default "zstd")
  -demo NAME              - Run a demo scenario and exit: simple,
                            fragmentation, utilization, or all

Commands (interactive mode only):
  .help                   - Show this help message
  .stats                  - Show cache statistics
  .exit                   - Exit the program

  CREATE id               - Register a new empty sequence
  APPEND id [n]           - Append n tokens to a sequence (default 1)
  TRANSLATE id index      - Resolve a token position to block and offset
  BLOCKS id               - Show a sequence's block table
  RELEASE id              - Release a sequence's blocks back to the pool
  STATUS                  - Show pool and sequence status
  STATS                   - Show cache statistics
  CANALLOC tokens         - Check whether the pool can fit a sequence
  SNAPSHOT [path]         - Write a state snapshot (default under the state dir)
  INSPECT path            - Decode and display a snapshot file
  REPLAY path             - Replay a recorded trace against this cache
`

// cliOptions holds the parsed command line configuration.
type cliOptions struct {
	blocks    int
	blockSize int
	layers    int
	heads     int
	headDim   int

	logLevel      string
	telemetryOn   bool
	record        bool
	snapshotCodec string
	demo          string

	statePath string
}

func main() {
	opts := parseFlags()

	level, err := log.ParseLevel(opts.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
	log.SetLevel(level)
	logger := log.GetDefaultLogger()

	codec, err := snapshot.ParseCodec(opts.snapshotCodec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	// Demo mode builds its own managers and exits.
	if opts.demo != "" {
		if err := runDemo(opts.demo, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error running demo: %s\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, manifest := loadState(opts)

	mgr, err := cache.NewManager(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating cache manager: %s\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	if opts.telemetryOn {
		telCfg := telemetry.DefaultConfig()
		telCfg.LoadFromEnv()
		tel, err := telemetry.New(telCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing telemetry: %s\n", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Warn("telemetry shutdown: %v", err)
			}
		}()
		mgr.SetTelemetry(tel)
	}

	if opts.record {
		recorder, err := trace.NewWriter(cfg.TraceDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating trace writer: %s\n", err)
			os.Exit(1)
		}
		defer recorder.Close()
		mgr.SetRecorder(recorder)
		fmt.Printf("Recording operations to %s\n", recorder.Path())
	}

	runInteractive(mgr, cfg, manifest, codec, opts.statePath)
}

// parseFlags parses command line flags and returns the options.
func parseFlags() cliOptions {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "pagedkv - paged KV-cache block manager\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pagedkv [options] [state_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, pagedkv runs an interactive command-line interface over\n")
		fmt.Fprintf(flag.CommandLine.Output(), "a fresh block pool. With a state path, pool geometry persists in a\n")
		fmt.Fprintf(flag.CommandLine.Output(), "manifest and snapshots land under the state directory.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nStart pagedkv and type .help for the interactive commands.\n")
	}

	blocks := flag.Int("blocks", 100, "total physical blocks in the pool")
	blockSize := flag.Int("block-size", 16, "token slots per block")
	layers := flag.Int("layers", 4, "attention layers in the payload shape")
	heads := flag.Int("heads", 8, "attention heads per layer")
	headDim := flag.Int("head-dim", 64, "head dimension")

	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	telemetryOn := flag.Bool("telemetry", false, "enable OpenTelemetry metrics and traces")
	record := flag.Bool("record", false, "record operations to a trace file")
	snapshotCodec := flag.String("snapshot-codec", "zstd", "snapshot compression: none, snappy, zstd")
	demo := flag.String("demo", "", "run a demo scenario and exit: simple, fragmentation, utilization, all")

	flag.Parse()

	var statePath string
	if flag.NArg() > 0 {
		statePath = flag.Arg(0)
	}

	return cliOptions{
		blocks:        *blocks,
		blockSize:     *blockSize,
		layers:        *layers,
		heads:         *heads,
		headDim:       *headDim,
		logLevel:      *logLevel,
		telemetryOn:   *telemetryOn,
		record:        *record,
		snapshotCodec: *snapshotCodec,
		demo:          *demo,
		statePath:     statePath,
	}
}

// loadState resolves the effective configuration. With a state path the
// manifest is loaded (or created) there and persisted; explicitly set
// flags override the manifest values.
func loadState(opts cliOptions) (*config.Config, *config.Manifest) {
	if opts.statePath == "" {
		cfg := config.NewDefaultConfig("")
		applyOverrides(cfg, opts)
		return cfg, nil
	}

	manifest, err := config.LoadManifest(opts.statePath)
	if errors.Is(err, config.ErrManifestNotFound) {
		manifest, err = config.NewManifest(opts.statePath, config.NewDefaultConfig(opts.statePath))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %s\n", err)
		os.Exit(1)
	}

	cfg := manifest.GetConfig()
	applyOverrides(cfg, opts)
	if err := manifest.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving manifest: %s\n", err)
		os.Exit(1)
	}

	return cfg, manifest
}

// applyOverrides copies explicitly set geometry flags over the config.
func applyOverrides(cfg *config.Config, opts cliOptions) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "blocks":
			cfg.TotalBlocks = opts.blocks
		case "block-size":
			cfg.BlockSize = opts.blockSize
		case "layers":
			cfg.NumLayers = opts.layers
		case "heads":
			cfg.NumHeads = opts.heads
		case "head-dim":
			cfg.HeadDim = opts.headDim
		case "log-level":
			cfg.LogLevel = opts.logLevel
		}
	})
}

// runDemo runs one named scenario, or all of them.
func runDemo(name string, logger log.Logger) error {
	reporter := sim.NewReporter(os.Stdout, logger)

	if strings.EqualFold(name, "all") {
		return sim.RunAll(reporter)
	}

	scenario, ok := sim.Lookup(name)
	if !ok {
		names := make([]string, 0, len(sim.Scenarios())+1)
		for _, s := range sim.Scenarios() {
			names = append(names, s.Name)
		}
		names = append(names, "all")
		return fmt.Errorf("unknown scenario %q (have: %s)", name, strings.Join(names, ", "))
	}
	return scenario.Run(reporter)
}

// runInteractive starts the interactive CLI mode.
func runInteractive(mgr *cache.Manager, cfg *config.Config, manifest *config.Manifest, codec snapshot.Codec, statePath string) {
	fmt.Println("pagedkv version 1.0.0")
	fmt.Printf("Pool: %d blocks x %d tokens, payload backing %.2f MB\n",
		cfg.TotalBlocks, cfg.BlockSize, float64(mgr.PayloadBytes())/(1<<20))
	fmt.Println("Enter .help for usage hints.")

	reporter := sim.NewReporter(os.Stdout, log.GetDefaultLogger())
	snapshotSeq := int64(0)
	if manifest != nil {
		snapshotSeq = int64(len(manifest.GetFiles()))
	}

	historyFile := filepath.Join(os.TempDir(), ".pagedkv_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagedkv> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	if statePath != "" {
		rl.SetPrompt(fmt.Sprintf("pagedkv:%s> ", statePath))
	}

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		// Special dot commands
		if strings.HasPrefix(cmd, ".") {
			switch strings.ToLower(cmd) {
			case ".help":
				fmt.Print(helpText)
			case ".stats":
				printStats(mgr.Stats())
			case ".exit":
				fmt.Println("Goodbye!")
				return
			default:
				fmt.Printf("Unknown command: %s\n", cmd)
			}
			continue
		}

		switch cmd {
		case "CREATE":
			if len(parts) < 2 {
				fmt.Println("Error: CREATE requires a sequence id")
				continue
			}
			if err := mgr.CreateSequence(parts[1]); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating sequence: %s\n", err)
			} else {
				fmt.Printf("Sequence %s created\n", parts[1])
			}

		case "APPEND":
			if len(parts) < 2 {
				fmt.Println("Error: APPEND requires a sequence id")
				continue
			}
			count := 1
			if len(parts) >= 3 {
				n, err := strconv.Atoi(parts[2])
				if err != nil || n <= 0 {
					fmt.Println("Error: APPEND count must be a positive integer")
					continue
				}
				count = n
			}

			appended, err := mgr.AppendTokens(parts[1], count)
			if err != nil {
				if appended > 0 {
					fmt.Printf("Appended %d of %d tokens before failure\n", appended, count)
				}
				fmt.Fprintf(os.Stderr, "Error appending tokens: %s\n", err)
				continue
			}
			fmt.Printf("Appended %d tokens (%d blocks free)\n", appended, mgr.FreeBlocks())

		case "TRANSLATE":
			if len(parts) < 3 {
				fmt.Println("Error: TRANSLATE requires a sequence id and token index")
				continue
			}
			idx, err := strconv.Atoi(parts[2])
			if err != nil {
				fmt.Println("Error: token index must be an integer")
				continue
			}
			block, offset, err := mgr.Translate(parts[1], idx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error translating: %s\n", err)
				continue
			}
			fmt.Printf("token %d -> block %d, offset %d\n", idx, block, offset)

		case "BLOCKS":
			if len(parts) < 2 {
				fmt.Println("Error: BLOCKS requires a sequence id")
				continue
			}
			st, err := mgr.SequenceStatus(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				continue
			}
			fmt.Printf("%s: %d tokens in %d blocks %s\n",
				st.ID, st.TokenCount, st.BlockCount, sim.FormatBlockTable(st.BlockTable))

		case "RELEASE":
			if len(parts) < 2 {
				fmt.Println("Error: RELEASE requires a sequence id")
				continue
			}
			if err := mgr.ReleaseSequence(parts[1]); err != nil {
				fmt.Fprintf(os.Stderr, "Error releasing sequence: %s\n", err)
			} else {
				fmt.Printf("Sequence %s released (%d blocks free)\n", parts[1], mgr.FreeBlocks())
			}

		case "STATUS":
			reporter.Status(mgr.Status())

		case "STATS":
			printStats(mgr.Stats())

		case "CANALLOC":
			if len(parts) < 2 {
				fmt.Println("Error: CANALLOC requires a token count")
				continue
			}
			tokens, err := strconv.Atoi(parts[1])
			if err != nil || tokens < 0 {
				fmt.Println("Error: token count must be a non-negative integer")
				continue
			}
			if mgr.CanAllocate(tokens) {
				fmt.Printf("Yes: %d tokens fit (%d blocks free)\n", tokens, mgr.FreeBlocks())
			} else {
				fmt.Printf("No: %d tokens do not fit (%d blocks free)\n", tokens, mgr.FreeBlocks())
			}

		case "SNAPSHOT":
			snapshotSeq++
			var path string
			if len(parts) >= 2 {
				path = parts[1]
			} else {
				path = filepath.Join(cfg.SnapshotDir, fmt.Sprintf("pagedkv-%06d.snap", snapshotSeq))
			}

			if err := mgr.WriteSnapshot(path, codec); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing snapshot: %s\n", err)
				continue
			}
			fmt.Printf("Snapshot written to %s (%s)\n", path, codec)

			if manifest != nil {
				manifest.AddFile(path, snapshotSeq)
				if err := manifest.Save(); err != nil {
					fmt.Fprintf(os.Stderr, "Error updating manifest: %s\n", err)
				}
			}

		case "INSPECT":
			if len(parts) < 2 {
				fmt.Println("Error: INSPECT requires a snapshot path")
				continue
			}
			st, err := snapshot.Read(parts[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading snapshot: %s\n", err)
				continue
			}
			fmt.Printf("Snapshot taken %s\n", st.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Pool: %d blocks x %d tokens, shape %dx%dx%d\n",
				st.TotalBlocks, st.BlockSize, st.Shape.Layers, st.Shape.Heads, st.Shape.HeadDim)
			reporter.Status(statusFromSnapshot(st))

		case "REPLAY":
			if len(parts) < 2 {
				fmt.Println("Error: REPLAY requires a trace path")
				continue
			}
			startTime := time.Now()
			rst, err := mgr.Replay(parts[1])
			if rst != nil {
				fmt.Printf("Replayed %d records (%d skipped) in %.2f ms\n",
					rst.RecordsApplied, rst.RecordsSkipped,
					float64(time.Since(startTime).Microseconds())/1000.0)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error replaying trace: %s\n", err)
			}

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

// statusFromSnapshot converts a decoded snapshot into the live status
// shape so both render through the same reporter.
func statusFromSnapshot(st *snapshot.State) cache.Status {
	out := cache.Status{
		TotalBlocks: st.TotalBlocks,
		BlockSize:   st.BlockSize,
		Shape:       st.Shape,
		FreeBlocks:  st.FreeBlocks,
		UsedBlocks:  st.UsedBlocks,
		Sequences:   make([]cache.SequenceStatus, 0, len(st.Sequences)),
	}
	for _, seq := range st.Sequences {
		out.Sequences = append(out.Sequences, cache.SequenceStatus{
			ID:         seq.ID,
			TokenCount: seq.TokenCount,
			BlockCount: seq.BlockCount,
			BlockTable: seq.BlockTable,
		})
	}
	return out
}

// printStats renders the statistics map in sections.
func printStats(stats map[string]interface{}) {
	// Helper function to safely get a uint64 value with default
	getUint64 := func(m map[string]interface{}, key string, defaultVal uint64) uint64 {
		if val, ok := m[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case int:
				return uint64(v)
			case float64:
				return uint64(v)
			default:
				return defaultVal
			}
		}
		return defaultVal
	}

	fmt.Println("📊 Operations:")
	fmt.Printf("  • Sequence creates: %d\n", getUint64(stats, "seq_create_ops", 0))
	fmt.Printf("  • Appends: %d\n", getUint64(stats, "append_ops", 0))
	fmt.Printf("  • Batch appends: %d\n", getUint64(stats, "append_batch_ops", 0))
	fmt.Printf("  • Translates: %d\n", getUint64(stats, "translate_ops", 0))
	fmt.Printf("  • Sequence releases: %d\n", getUint64(stats, "seq_release_ops", 0))
	fmt.Printf("  • Snapshots: %d\n", getUint64(stats, "snapshot_ops", 0))
	fmt.Printf("  • Replays: %d\n", getUint64(stats, "replay_ops", 0))

	fmt.Println("\n💾 Pool:")
	fmt.Printf("  • Total blocks: %d\n", getUint64(stats, "pool_total_blocks", 0))
	fmt.Printf("  • Free blocks: %d\n", getUint64(stats, "pool_free_blocks", 0))
	fmt.Printf("  • Used blocks: %d\n", getUint64(stats, "pool_used_blocks", 0))
	fmt.Printf("  • Active sequences: %d\n", getUint64(stats, "active_sequences", 0))
	fmt.Printf("  • Tokens appended: %d\n", getUint64(stats, "tokens_appended", 0))

	exhaustions := getUint64(stats, "exhaustion_count", 0)
	if exhaustions > 0 {
		fmt.Println("\n🚱 Exhaustion:")
		fmt.Printf("  • Events: %d\n", exhaustions)
		if last, ok := stats["last_exhaustion_time"].(int64); ok && last > 0 {
			fmt.Printf("  • Last: %s\n", time.Unix(0, last).Format(time.RFC3339))
		}
	}

	fmt.Println("\n⚡ Latency (avg):")
	for _, op := range []struct {
		key   string
		label string
	}{
		{"append_latency", "Append"},
		{"append_batch_latency", "Batch append"},
		{"translate_latency", "Translate"},
		{"seq_release_latency", "Release"},
	} {
		latency, ok := stats[op.key].(map[string]interface{})
		if !ok {
			continue
		}
		if avgNs, ok := latency["avg_ns"].(uint64); ok {
			fmt.Printf("  • %s: %.3f ms\n", op.label, float64(avgNs)/1000000.0)
		}
	}

	if errorsMap, ok := stats["errors"].(map[string]uint64); ok && len(errorsMap) > 0 {
		fmt.Println("\n⚠️ Errors:")
		for errType, count := range errorsMap {
			fmt.Printf("  • %s: %d\n", strings.Replace(errType, "_", " ", -1), count)
		}
	}

	if replayMap, ok := stats["replay"].(map[string]interface{}); ok {
		applied := getUint64(replayMap, "records_applied", 0)
		if applied > 0 {
			fmt.Println("\n🔄 Replay:")
			fmt.Printf("  • Records applied: %d\n", applied)
			fmt.Printf("  • Corrupted records: %d\n", getUint64(replayMap, "corrupted_records", 0))
			if durationMs, ok := replayMap["replay_duration_ms"].(int64); ok {
				fmt.Printf("  • Duration: %d ms\n", durationMs)
			}
		}
	}
}
