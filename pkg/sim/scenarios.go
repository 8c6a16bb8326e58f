// Package sim holds the demonstration scenarios that exercise a cache
// manager end to end: a simple allocate/translate/release run, the
// fragmentation demo showing that a paged pool serves requests from a
// non-contiguous free set, and a high-utilization churn. Each scenario
// verifies its expected counters as it goes and returns an error on any
// deviation, so the demos double as integration checks.
package sim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/cache"
	"github.com/PagedKV/pagedkv/pkg/config"
)

// Scenario is a named, self-contained demonstration over a fresh manager.
type Scenario struct {
	Name        string
	Description string
	Run         func(*Reporter) error
}

// Scenarios returns every scenario in presentation order.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "simple",
			Description: "allocate a sequence, translate token positions, release",
			Run:         SimpleRun,
		},
		{
			Name:        "fragmentation",
			Description: "serve a 30-block request from a non-contiguous free set",
			Run:         FragmentationDemo,
		},
		{
			Name:        "utilization",
			Description: "churn sequences through a small pool near full occupancy",
			Run:         HighUtilization,
		},
	}
}

// Lookup finds a scenario by name, case-insensitively.
func Lookup(name string) (Scenario, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range Scenarios() {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// RunAll runs every scenario in order, stopping at the first failure.
func RunAll(r *Reporter) error {
	for _, s := range Scenarios() {
		if err := s.Run(r); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}
	return nil
}

// newDemoManager builds a manager over totalBlocks blocks with the
// default demo geometry: 16-token blocks, 4 layers, 8 heads, head
// dimension 64.
func newDemoManager(totalBlocks int) (*cache.Manager, error) {
	cfg := config.NewDefaultConfig("")
	cfg.TotalBlocks = totalBlocks
	return cache.NewManager(cfg)
}

// SimpleRun allocates one sequence, shows the logical-to-physical token
// mapping, and releases everything back to the pool.
func SimpleRun(r *Reporter) error {
	r.Section("Simple run")

	mgr, err := newDemoManager(100)
	if err != nil {
		return err
	}
	defer mgr.Close()

	r.Narrate("created pool: 100 blocks x 16 tokens")
	r.Printf("Pool: 100 blocks x 16 tokens, payload backing %.2f MB\n\n",
		float64(mgr.PayloadBytes())/(1<<20))

	if err := mgr.CreateSequence("seq_A"); err != nil {
		return err
	}
	r.Narrate("appending 30 tokens to seq_A")
	if _, err := mgr.AppendTokens("seq_A", 30); err != nil {
		return err
	}

	st, err := mgr.SequenceStatus("seq_A")
	if err != nil {
		return err
	}
	if st.TokenCount != 30 || st.BlockCount != 2 {
		return fmt.Errorf("expected 30 tokens in 2 blocks, have %d in %d", st.TokenCount, st.BlockCount)
	}
	r.Printf("seq_A holds %d tokens in %d blocks %s\n", st.TokenCount, st.BlockCount,
		FormatBlockTable(st.BlockTable))
	r.Status(mgr.Status())

	r.Printf("Physical locations:\n")
	for _, idx := range []int{0, 15, 16, 29} {
		block, offset, err := mgr.Translate("seq_A", idx)
		if err != nil {
			return err
		}
		r.Printf("  token %2d -> block %d, offset %d\n", idx, block, offset)
	}
	r.Printf("\n")

	r.Narrate("releasing seq_A")
	if err := mgr.ReleaseSequence("seq_A"); err != nil {
		return err
	}
	if free := mgr.FreeBlocks(); free != 100 {
		return fmt.Errorf("expected 100 free blocks after release, have %d", free)
	}
	r.Printf("After release: %d/100 blocks free\n\n", mgr.FreeBlocks())

	return nil
}

// FragmentationDemo fills the pool with two long sequences, stalls a
// third on exhaustion, then shows that releasing blocks scattered across
// physical memory is enough to serve the retry. The stalled sequence is
// released before retrying so its partial allocation returns to the pool
// instead of leaking.
func FragmentationDemo(r *Reporter) error {
	r.Section("Fragmentation demo")

	mgr, err := newDemoManager(100)
	if err != nil {
		return err
	}
	defer mgr.Close()

	for _, id := range []string{"seq_1", "seq_2"} {
		if err := mgr.CreateSequence(id); err != nil {
			return err
		}
		r.Narrate("appending 640 tokens to %s", id)
		if _, err := mgr.AppendTokens(id, 640); err != nil {
			return err
		}
	}
	r.Status(mgr.Status())

	if mgr.CanAllocate(480) {
		return fmt.Errorf("admission check should refuse 30 blocks with %d free", mgr.FreeBlocks())
	}
	r.Printf("Admission check for 480 tokens (30 blocks): refused, %d blocks free\n", mgr.FreeBlocks())

	if err := mgr.CreateSequence("seq_3"); err != nil {
		return err
	}
	appended, err := mgr.AppendTokens("seq_3", 480)
	if err == nil {
		return fmt.Errorf("expected exhaustion appending 480 tokens into %d free blocks", mgr.FreeBlocks())
	}
	if !errors.Is(err, blockpool.ErrOutOfBlocks) {
		return fmt.Errorf("expected pool exhaustion, got: %w", err)
	}
	if appended != 320 {
		return fmt.Errorf("expected 320 tokens before exhaustion, appended %d", appended)
	}
	r.Printf("seq_3 stalled after %d of 480 tokens: %v\n", appended, err)

	st3, err := mgr.SequenceStatus("seq_3")
	if err != nil {
		return err
	}
	if st3.BlockCount != 20 {
		return fmt.Errorf("expected the stalled sequence to hold 20 blocks, has %d", st3.BlockCount)
	}
	r.Printf("seq_3 keeps its partial allocation: %d blocks\n\n", st3.BlockCount)

	r.Narrate("seq_1 finished, releasing 40 blocks")
	if err := mgr.ReleaseSequence("seq_1"); err != nil {
		return err
	}
	r.Narrate("abandoning stalled seq_3, releasing its 20 partial blocks")
	if err := mgr.ReleaseSequence("seq_3"); err != nil {
		return err
	}

	if free := mgr.FreeBlocks(); free != 60 {
		return fmt.Errorf("expected 60 free blocks after releases, have %d", free)
	}
	r.Printf("Free blocks after releases: %d/100\n", mgr.FreeBlocks())
	r.Printf("The free set spans two disjoint physical ranges; the pool hands out ids, not ranges\n\n")

	if !mgr.CanAllocate(480) {
		return fmt.Errorf("admission check should admit 30 blocks with %d free", mgr.FreeBlocks())
	}
	r.Printf("Admission check for 480 tokens (30 blocks): admitted, %d blocks free\n", mgr.FreeBlocks())

	if err := mgr.CreateSequence("seq_3"); err != nil {
		return err
	}
	if _, err := mgr.AppendTokens("seq_3", 480); err != nil {
		return fmt.Errorf("retry after releases should succeed: %w", err)
	}

	st3, err = mgr.SequenceStatus("seq_3")
	if err != nil {
		return err
	}
	r.Printf("seq_3 allocated %d non-contiguous blocks %s\n", st3.BlockCount,
		FormatBlockTable(st3.BlockTable))
	r.Status(mgr.Status())

	return nil
}

// HighUtilization churns sequences of varying length through a 50-block
// pool, holding occupancy near the pool capacity across releases and new
// arrivals.
func HighUtilization(r *Reporter) error {
	r.Section("High utilization")

	mgr, err := newDemoManager(50)
	if err != nil {
		return err
	}
	defer mgr.Close()

	allocations := []struct {
		id     string
		tokens int
	}{
		{"req_1", 160},
		{"req_2", 80},
		{"req_3", 240},
		{"req_4", 128},
		{"req_5", 176},
	}

	r.Printf("Allocating sequences:\n")
	for _, a := range allocations {
		if err := mgr.CreateSequence(a.id); err != nil {
			return err
		}
		if _, err := mgr.AppendTokens(a.id, a.tokens); err != nil {
			return fmt.Errorf("allocating %s: %w", a.id, err)
		}
		r.Printf("  %s: %d tokens (%d blocks)\n", a.id, a.tokens, a.tokens/16)
	}
	r.Printf("\n")
	r.Status(mgr.Status())

	if used := mgr.UsedBlocks(); used != 49 {
		return fmt.Errorf("expected 49 blocks in use, have %d", used)
	}
	r.Printf("Memory utilization: %.1f%% (%d/50 blocks)\n\n",
		utilizationPercent(mgr.UsedBlocks(), 50), mgr.UsedBlocks())

	r.Narrate("req_1 and req_3 finish")
	for _, id := range []string{"req_1", "req_3"} {
		if err := mgr.ReleaseSequence(id); err != nil {
			return err
		}
	}
	r.Status(mgr.Status())

	r.Printf("New requests arrive:\n")
	for _, a := range []struct {
		id     string
		tokens int
	}{
		{"req_6", 192},
		{"req_7", 208},
	} {
		if err := mgr.CreateSequence(a.id); err != nil {
			return err
		}
		if _, err := mgr.AppendTokens(a.id, a.tokens); err != nil {
			r.Printf("  %s: %d tokens failed: %v\n", a.id, a.tokens, err)
			if relErr := mgr.ReleaseSequence(a.id); relErr != nil {
				return relErr
			}
			continue
		}
		r.Printf("  %s: %d tokens (%d blocks)\n", a.id, a.tokens, a.tokens/16)
	}
	r.Printf("\n")
	r.Status(mgr.Status())

	if used := mgr.UsedBlocks(); used != 49 {
		return fmt.Errorf("expected 49 blocks in use after churn, have %d", used)
	}
	r.Printf("Final memory utilization: %.1f%% (%d/50 blocks)\n\n",
		utilizationPercent(mgr.UsedBlocks(), 50), mgr.UsedBlocks())

	return nil
}

func utilizationPercent(used, total int) float64 {
	return float64(used) * 100 / float64(total)
}
