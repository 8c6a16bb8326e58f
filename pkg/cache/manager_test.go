package cache

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/config"
	"github.com/PagedKV/pagedkv/pkg/sequence"
	"github.com/PagedKV/pagedkv/pkg/snapshot"
)

// newTestManager builds a manager over a small pool with a minimal payload
// shape so tests stay cheap.
func newTestManager(t *testing.T, totalBlocks, blockSize int) *Manager {
	t.Helper()

	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.TotalBlocks = totalBlocks
	cfg.BlockSize = blockSize
	cfg.NumLayers = 1
	cfg.NumHeads = 1
	cfg.HeadDim = 1

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return mgr
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Error("expected error for nil config")
	}

	cfg := config.NewDefaultConfig(t.TempDir())
	cfg.TotalBlocks = 0
	if _, err := NewManager(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCreateSequence(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if err := mgr.CreateSequence("seq_1"); !errors.Is(err, ErrSequenceExists) {
		t.Errorf("expected ErrSequenceExists, got %v", err)
	}
	if err := mgr.CreateSequence(""); err == nil {
		t.Error("expected error for empty sequence id")
	}

	if err := mgr.CreateSequence("seq_0"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if count := mgr.SequenceCount(); count != 2 {
		t.Errorf("expected 2 sequences, got %d", count)
	}

	ids := mgr.Sequences()
	if len(ids) != 2 || ids[0] != "seq_0" || ids[1] != "seq_1" {
		t.Errorf("expected sorted ids [seq_0 seq_1], got %v", ids)
	}
}

func TestAppendAndTranslate(t *testing.T) {
	mgr := newTestManager(t, 100, 16)
	defer mgr.Close()

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}

	appended, err := mgr.AppendTokens("seq_1", 30)
	if err != nil {
		t.Fatalf("failed to append tokens: %v", err)
	}
	if appended != 30 {
		t.Errorf("expected 30 tokens appended, got %d", appended)
	}

	st, err := mgr.SequenceStatus("seq_1")
	if err != nil {
		t.Fatalf("failed to get sequence status: %v", err)
	}
	if st.TokenCount != 30 {
		t.Errorf("expected 30 tokens, got %d", st.TokenCount)
	}
	if st.BlockCount != 2 {
		t.Errorf("expected 2 blocks for 30 tokens, got %d", st.BlockCount)
	}
	if mgr.FreeBlocks() != 98 {
		t.Errorf("expected 98 free blocks, got %d", mgr.FreeBlocks())
	}
	if mgr.UsedBlocks() != 2 {
		t.Errorf("expected 2 used blocks, got %d", mgr.UsedBlocks())
	}

	// Token 29 lives at offset 13 in the second block of the sequence.
	block, offset, err := mgr.Translate("seq_1", 29)
	if err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if block != st.BlockTable[1] || offset != 13 {
		t.Errorf("Translate(29) = (%d, %d), want (%d, 13)", block, offset, st.BlockTable[1])
	}

	// One more token via the single-append path.
	if err := mgr.AppendToken("seq_1"); err != nil {
		t.Fatalf("failed to append token: %v", err)
	}
	if _, _, err := mgr.Translate("seq_1", 30); err != nil {
		t.Errorf("failed to translate appended token: %v", err)
	}

	if _, _, err := mgr.Translate("seq_1", 31); !errors.Is(err, sequence.ErrTokenOutOfRange) {
		t.Errorf("expected ErrTokenOutOfRange, got %v", err)
	}
}

func TestUnknownSequence(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	if err := mgr.AppendToken("ghost"); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound from AppendToken, got %v", err)
	}
	if _, err := mgr.AppendTokens("ghost", 5); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound from AppendTokens, got %v", err)
	}
	if _, _, err := mgr.Translate("ghost", 0); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound from Translate, got %v", err)
	}
	if err := mgr.ReleaseSequence("ghost"); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound from ReleaseSequence, got %v", err)
	}
	if _, err := mgr.SequenceStatus("ghost"); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound from SequenceStatus, got %v", err)
	}
}

// TestExhaustionAndRecovery drives the pool to exhaustion with competing
// sequences, then frees capacity and verifies a previously impossible
// request succeeds on retry.
func TestExhaustionAndRecovery(t *testing.T) {
	mgr := newTestManager(t, 100, 16)
	defer mgr.Close()

	// Two sequences of 640 tokens take 40 blocks each.
	for _, id := range []string{"seq_1", "seq_2"} {
		if err := mgr.CreateSequence(id); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
		if appended, err := mgr.AppendTokens(id, 640); err != nil || appended != 640 {
			t.Fatalf("failed to fill %s: appended %d, err %v", id, appended, err)
		}
	}
	if mgr.FreeBlocks() != 20 {
		t.Fatalf("expected 20 free blocks, got %d", mgr.FreeBlocks())
	}

	// A third sequence wants 30 blocks but only 20 remain. The advisory
	// check already says no.
	if mgr.CanAllocate(480) {
		t.Error("expected CanAllocate(480) to report false with 20 free blocks")
	}

	if err := mgr.CreateSequence("seq_3"); err != nil {
		t.Fatalf("failed to create seq_3: %v", err)
	}
	appended, err := mgr.AppendTokens("seq_3", 480)
	if !errors.Is(err, blockpool.ErrOutOfBlocks) {
		t.Fatalf("expected ErrOutOfBlocks, got %v", err)
	}
	if appended != 320 {
		t.Errorf("expected 320 tokens appended before exhaustion, got %d", appended)
	}
	if mgr.FreeBlocks() != 0 {
		t.Errorf("expected 0 free blocks, got %d", mgr.FreeBlocks())
	}

	// The failed sequence keeps its partial progress and stays registered.
	st, err := mgr.SequenceStatus("seq_3")
	if err != nil {
		t.Fatalf("failed to get seq_3 status: %v", err)
	}
	if st.TokenCount != 320 || st.BlockCount != 20 {
		t.Errorf("expected seq_3 to hold 320 tokens in 20 blocks, got %d tokens in %d blocks",
			st.TokenCount, st.BlockCount)
	}

	// Free capacity by abandoning seq_1 and the partial seq_3.
	if err := mgr.ReleaseSequence("seq_1"); err != nil {
		t.Fatalf("failed to release seq_1: %v", err)
	}
	if err := mgr.ReleaseSequence("seq_3"); err != nil {
		t.Fatalf("failed to release seq_3: %v", err)
	}
	if mgr.FreeBlocks() != 60 {
		t.Fatalf("expected 60 free blocks after releases, got %d", mgr.FreeBlocks())
	}
	if count := mgr.SequenceCount(); count != 1 {
		t.Errorf("expected 1 remaining sequence, got %d", count)
	}

	// The retry fits now, recycled block ids and all.
	if !mgr.CanAllocate(480) {
		t.Error("expected CanAllocate(480) to report true with 60 free blocks")
	}
	if err := mgr.CreateSequence("seq_4"); err != nil {
		t.Fatalf("failed to create seq_4: %v", err)
	}
	if appended, err := mgr.AppendTokens("seq_4", 480); err != nil || appended != 480 {
		t.Fatalf("retry failed: appended %d, err %v", appended, err)
	}
	if mgr.FreeBlocks() != 30 {
		t.Errorf("expected 30 free blocks after retry, got %d", mgr.FreeBlocks())
	}
}

func TestCanAllocate(t *testing.T) {
	mgr := newTestManager(t, 2, 4)
	defer mgr.Close()

	tests := []struct {
		tokens int
		want   bool
	}{
		{0, true},
		{1, true},
		{8, true},
		{9, false},
	}
	for _, tt := range tests {
		if got := mgr.CanAllocate(tt.tokens); got != tt.want {
			t.Errorf("CanAllocate(%d) = %v, want %v", tt.tokens, got, tt.want)
		}
	}

	// The check reserves nothing: asking twice for all capacity says yes
	// twice, and only an actual allocation changes the answer.
	if !mgr.CanAllocate(8) || !mgr.CanAllocate(8) {
		t.Error("expected repeated CanAllocate(8) to stay true")
	}
	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if _, err := mgr.AppendTokens("seq_1", 8); err != nil {
		t.Fatalf("failed to append tokens: %v", err)
	}
	if mgr.CanAllocate(1) {
		t.Error("expected CanAllocate(1) to report false on a full pool")
	}
}

func TestStatusSnapshot(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	for i, tokens := range []int{6, 3} {
		id := fmt.Sprintf("seq_%d", i+1)
		if err := mgr.CreateSequence(id); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
		if _, err := mgr.AppendTokens(id, tokens); err != nil {
			t.Fatalf("failed to fill %s: %v", id, err)
		}
	}

	st := mgr.Status()
	if st.TotalBlocks != 10 || st.BlockSize != 4 {
		t.Errorf("expected pool geometry 10/4, got %d/%d", st.TotalBlocks, st.BlockSize)
	}
	if st.FreeBlocks != 7 || st.UsedBlocks != 3 {
		t.Errorf("expected 7 free and 3 used, got %d free and %d used", st.FreeBlocks, st.UsedBlocks)
	}
	if len(st.Sequences) != 2 {
		t.Fatalf("expected 2 sequences in status, got %d", len(st.Sequences))
	}
	if st.Sequences[0].ID != "seq_1" || st.Sequences[1].ID != "seq_2" {
		t.Errorf("expected sequences sorted by id, got %s, %s", st.Sequences[0].ID, st.Sequences[1].ID)
	}
	if st.Sequences[0].TokenCount != 6 || st.Sequences[0].BlockCount != 2 {
		t.Errorf("expected seq_1 with 6 tokens in 2 blocks, got %d in %d",
			st.Sequences[0].TokenCount, st.Sequences[0].BlockCount)
	}
	if len(st.Sequences[0].BlockTable) != 2 {
		t.Errorf("expected seq_1 block table of 2, got %v", st.Sequences[0].BlockTable)
	}
}

func TestManagerStats(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if _, err := mgr.AppendTokens("seq_1", 6); err != nil {
		t.Fatalf("failed to append tokens: %v", err)
	}
	if _, _, err := mgr.Translate("seq_1", 5); err != nil {
		t.Fatalf("failed to translate: %v", err)
	}
	if err := mgr.AppendToken("ghost"); err == nil {
		t.Fatal("expected error appending to unknown sequence")
	}

	st := mgr.Stats()

	if ops, ok := st["seq_create_ops"].(uint64); !ok || ops != 1 {
		t.Errorf("expected 1 seq_create op, got %v", st["seq_create_ops"])
	}
	if ops, ok := st["append_batch_ops"].(uint64); !ok || ops != 1 {
		t.Errorf("expected 1 append_batch op, got %v", st["append_batch_ops"])
	}
	if ops, ok := st["translate_ops"].(uint64); !ok || ops != 1 {
		t.Errorf("expected 1 translate op, got %v", st["translate_ops"])
	}
	if tokens, ok := st["tokens_appended"].(uint64); !ok || tokens != 6 {
		t.Errorf("expected 6 tokens appended, got %v", st["tokens_appended"])
	}
	if free, ok := st["pool_free_blocks"].(int); !ok || free != 8 {
		t.Errorf("expected 8 pool free blocks, got %v", st["pool_free_blocks"])
	}
	if closed, ok := st["closed"].(bool); !ok || closed {
		t.Errorf("expected closed false, got %v", st["closed"])
	}

	errorStats, ok := st["errors"].(map[string]uint64)
	if !ok {
		t.Fatalf("expected error stats map, got %T", st["errors"])
	}
	if errorStats["sequence_not_found"] != 1 {
		t.Errorf("expected 1 sequence_not_found error, got %d", errorStats["sequence_not_found"])
	}
}

func TestManagerClose(t *testing.T) {
	mgr := newTestManager(t, 10, 4)

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if _, err := mgr.AppendTokens("seq_1", 10); err != nil {
		t.Fatalf("failed to append tokens: %v", err)
	}
	if mgr.FreeBlocks() != 7 {
		t.Fatalf("expected 7 free blocks, got %d", mgr.FreeBlocks())
	}

	if err := mgr.Close(); err != nil {
		t.Fatalf("failed to close manager: %v", err)
	}

	// Close released the registered sequences back to the pool.
	if mgr.FreeBlocks() != 10 {
		t.Errorf("expected 10 free blocks after close, got %d", mgr.FreeBlocks())
	}
	if count := mgr.SequenceCount(); count != 0 {
		t.Errorf("expected 0 sequences after close, got %d", count)
	}

	// Mutating operations are rejected.
	if err := mgr.CreateSequence("seq_2"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed from CreateSequence, got %v", err)
	}
	if err := mgr.AppendToken("seq_1"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed from AppendToken, got %v", err)
	}
	if _, _, err := mgr.Translate("seq_1", 0); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed from Translate, got %v", err)
	}
	if mgr.CanAllocate(1) {
		t.Error("expected CanAllocate to report false on closed manager")
	}

	// Inspection still works for post-mortems.
	if closed, ok := mgr.Stats()["closed"].(bool); !ok || !closed {
		t.Error("expected stats to report closed")
	}
	if st := mgr.Status(); st.FreeBlocks != 10 {
		t.Errorf("expected status free blocks 10, got %d", st.FreeBlocks)
	}

	// Close is idempotent.
	if err := mgr.Close(); err != nil {
		t.Errorf("expected nil from second close, got %v", err)
	}
}

func TestConcurrentSequenceLifecycles(t *testing.T) {
	const (
		goroutines = 8
		rounds     = 50
	)
	mgr := newTestManager(t, goroutines*2, 4)
	defer mgr.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, goroutines*rounds)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			id := fmt.Sprintf("seq_%d", worker)

			for r := 0; r < rounds; r++ {
				if err := mgr.CreateSequence(id); err != nil {
					errCh <- fmt.Errorf("worker %d round %d create: %w", worker, r, err)
					return
				}
				if appended, err := mgr.AppendTokens(id, 8); err != nil || appended != 8 {
					errCh <- fmt.Errorf("worker %d round %d append: appended %d, err %w", worker, r, appended, err)
					return
				}
				if _, _, err := mgr.Translate(id, 7); err != nil {
					errCh <- fmt.Errorf("worker %d round %d translate: %w", worker, r, err)
					return
				}
				if err := mgr.ReleaseSequence(id); err != nil {
					errCh <- fmt.Errorf("worker %d round %d release: %w", worker, r, err)
					return
				}
			}
		}(g)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	if mgr.FreeBlocks() != goroutines*2 {
		t.Errorf("expected all %d blocks free, got %d", goroutines*2, mgr.FreeBlocks())
	}
	if count := mgr.SequenceCount(); count != 0 {
		t.Errorf("expected 0 sequences, got %d", count)
	}
}

// recordingRecorder captures recorder calls for assertions.
type recordingRecorder struct {
	creates  []string
	appends  map[string]int
	releases []string
	fail     bool
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{appends: make(map[string]int)}
}

func (r *recordingRecorder) RecordSequenceCreate(id string) error {
	if r.fail {
		return fmt.Errorf("record failed")
	}
	r.creates = append(r.creates, id)
	return nil
}

func (r *recordingRecorder) RecordAppend(id string, count int) error {
	if r.fail {
		return fmt.Errorf("record failed")
	}
	r.appends[id] += count
	return nil
}

func (r *recordingRecorder) RecordSequenceRelease(id string) error {
	if r.fail {
		return fmt.Errorf("record failed")
	}
	r.releases = append(r.releases, id)
	return nil
}

func TestManagerRecorder(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	rec := newRecordingRecorder()
	mgr.SetRecorder(rec)

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := mgr.AppendToken("seq_1"); err != nil {
			t.Fatalf("failed to append token: %v", err)
		}
	}
	if _, err := mgr.AppendTokens("seq_1", 10); err != nil {
		t.Fatalf("failed to append batch: %v", err)
	}
	if err := mgr.ReleaseSequence("seq_1"); err != nil {
		t.Fatalf("failed to release sequence: %v", err)
	}

	if len(rec.creates) != 1 || rec.creates[0] != "seq_1" {
		t.Errorf("expected one create record for seq_1, got %v", rec.creates)
	}
	if rec.appends["seq_1"] != 15 {
		t.Errorf("expected 15 appended tokens recorded, got %d", rec.appends["seq_1"])
	}
	if len(rec.releases) != 1 || rec.releases[0] != "seq_1" {
		t.Errorf("expected one release record for seq_1, got %v", rec.releases)
	}
}

func TestManagerRecorderFailureDoesNotBlockOperations(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	rec := newRecordingRecorder()
	rec.fail = true
	mgr.SetRecorder(rec)

	// Operations succeed even though every record write fails.
	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if err := mgr.AppendToken("seq_1"); err != nil {
		t.Fatalf("failed to append token: %v", err)
	}

	errorStats, ok := mgr.Stats()["errors"].(map[string]uint64)
	if !ok {
		t.Fatalf("expected error stats map, got %T", mgr.Stats()["errors"])
	}
	if errorStats["trace_record_error"] != 2 {
		t.Errorf("expected 2 trace record errors, got %d", errorStats["trace_record_error"])
	}
}

func TestManagerPayloadBytes(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	// 10 blocks x 4 slots x 1 layer x 1 head x 1 dim x 2 bytes, keys and values.
	if got := mgr.PayloadBytes(); got != 160 {
		t.Errorf("expected 160 payload bytes, got %d", got)
	}
}

func TestManagerWriteSnapshot(t *testing.T) {
	mgr := newTestManager(t, 100, 16)
	defer mgr.Close()

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if _, err := mgr.AppendTokens("seq_1", 30); err != nil {
		t.Fatalf("failed to append batch: %v", err)
	}

	path := filepath.Join(t.TempDir(), "cache.snap")
	if err := mgr.WriteSnapshot(path, snapshot.CodecZstd); err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}

	st, err := snapshot.Read(path)
	if err != nil {
		t.Fatalf("failed to read snapshot back: %v", err)
	}
	if st.TotalBlocks != 100 || st.BlockSize != 16 {
		t.Errorf("expected 100x16 geometry, got %dx%d", st.TotalBlocks, st.BlockSize)
	}
	if st.FreeBlocks != 98 || st.UsedBlocks != 2 {
		t.Errorf("expected 98 free / 2 used, got %d free / %d used", st.FreeBlocks, st.UsedBlocks)
	}
	if len(st.Sequences) != 1 {
		t.Fatalf("expected 1 sequence, got %d", len(st.Sequences))
	}
	seq := st.Sequences[0]
	if seq.ID != "seq_1" || seq.TokenCount != 30 || seq.BlockCount != 2 {
		t.Errorf("expected seq_1 with 30 tokens in 2 blocks, got %+v", seq)
	}
	if len(seq.BlockTable) != 2 || seq.BlockTable[0] != 99 || seq.BlockTable[1] != 98 {
		t.Errorf("expected block table [99 98], got %v", seq.BlockTable)
	}

	if ops, _ := mgr.Stats()["snapshot_ops"].(uint64); ops != 1 {
		t.Errorf("expected 1 snapshot operation tracked, got %d", ops)
	}
}

func TestManagerWriteSnapshotAfterClose(t *testing.T) {
	mgr := newTestManager(t, 10, 4)

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("failed to close manager: %v", err)
	}

	// A post-mortem dump still works; the closed manager has already
	// released everything, so the snapshot shows an empty pool.
	path := filepath.Join(t.TempDir(), "postmortem.snap")
	if err := mgr.WriteSnapshot(path, snapshot.CodecNone); err != nil {
		t.Fatalf("failed to write post-close snapshot: %v", err)
	}

	st, err := snapshot.Read(path)
	if err != nil {
		t.Fatalf("failed to read snapshot back: %v", err)
	}
	if st.FreeBlocks != 10 || len(st.Sequences) != 0 {
		t.Errorf("expected empty pool snapshot, got %d free and %d sequences",
			st.FreeBlocks, len(st.Sequences))
	}
}
