// Package cache ties the block pool and the per-sequence page tables
// together behind a single facade. The Manager owns the pool, a registry
// of named sequences, and the ambient concerns around them: statistics,
// telemetry, and optional workload recording. All sequence access goes
// through the Manager, which serializes it; callers never touch a
// sequence.Sequence directly.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PagedKV/pagedkv/pkg/blockpool"
	"github.com/PagedKV/pagedkv/pkg/config"
	"github.com/PagedKV/pagedkv/pkg/sequence"
	"github.com/PagedKV/pagedkv/pkg/snapshot"
	"github.com/PagedKV/pagedkv/pkg/stats"
	"github.com/PagedKV/pagedkv/pkg/telemetry"
	"github.com/PagedKV/pagedkv/pkg/trace"
)

// Recorder receives the mutating operations of a manager as they succeed.
// The trace package's Writer implements it; the manager counts record
// failures in its statistics and keeps serving.
type Recorder interface {
	RecordSequenceCreate(id string) error
	RecordAppend(id string, count int) error
	RecordSequenceRelease(id string) error
}

// Manager implements Cache over one block pool and a sequence registry.
type Manager struct {
	cfg  *config.Config
	pool *blockpool.Pool

	mu        sync.RWMutex
	sequences map[string]*sequence.Sequence

	stats    stats.Collector
	metrics  CacheMetrics
	recorder Recorder

	closed atomic.Bool
}

// NewManager creates a cache manager from the given configuration. The
// pool geometry is fixed here; nothing grows after construction.
func NewManager(cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate configuration: %w", err)
	}

	pool, err := blockpool.New(cfg.TotalBlocks, cfg.BlockSize, blockpool.Shape{
		Layers:  cfg.NumLayers,
		Heads:   cfg.NumHeads,
		HeadDim: cfg.HeadDim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create block pool: %w", err)
	}

	statsCollector := stats.NewAtomicCollector()
	statsCollector.TrackFreeBlocks(uint64(pool.FreeCount()))

	return &Manager{
		cfg:       cfg,
		pool:      pool,
		sequences: make(map[string]*sequence.Sequence),
		stats:     statsCollector,
		metrics:   NewNoopCacheMetrics(),
	}, nil
}

// SetTelemetry attaches telemetry-backed metrics to the manager and pushes
// pool metrics down into the block pool. Attach before the manager is
// shared between goroutines; nil restores no-op metrics.
func (m *Manager) SetTelemetry(tel telemetry.Telemetry) {
	m.metrics = NewCacheMetrics(tel)
	m.pool.SetMetrics(blockpool.NewPoolMetrics(tel))
}

// SetRecorder attaches a workload recorder. Attach before the manager is
// shared between goroutines.
func (m *Manager) SetRecorder(rec Recorder) {
	m.recorder = rec
}

// CreateSequence registers a new empty sequence under the given id.
func (m *Manager) CreateSequence(id string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if id == "" {
		return fmt.Errorf("sequence id cannot be empty")
	}

	start := time.Now()
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sequences[id]; exists {
		m.stats.TrackError(errorKey(ErrSequenceExists))
		m.metrics.RecordOperation(ctx, string(stats.OpSeqCreate), time.Since(start), false)
		return fmt.Errorf("%w: %q", ErrSequenceExists, id)
	}

	m.sequences[id] = sequence.New(id, m.pool.BlockSize())

	m.stats.TrackOperationWithLatency(stats.OpSeqCreate, uint64(time.Since(start).Nanoseconds()))
	m.stats.TrackActiveSequences(uint64(len(m.sequences)))
	m.metrics.RecordOperation(ctx, string(stats.OpSeqCreate), time.Since(start), true)
	m.metrics.RecordSequenceCount(ctx, int64(len(m.sequences)))

	if m.recorder != nil {
		if err := m.recorder.RecordSequenceCreate(id); err != nil {
			m.stats.TrackError("trace_record_error")
		}
	}

	return nil
}

// AppendToken grows the named sequence by one token.
func (m *Manager) AppendToken(id string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	start := time.Now()
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		m.stats.TrackError(errorKey(ErrSequenceNotFound))
		m.metrics.RecordOperation(ctx, string(stats.OpAppend), time.Since(start), false)
		return fmt.Errorf("%w: %q", ErrSequenceNotFound, id)
	}

	err := seq.AppendToken(m.pool)

	m.stats.TrackOperationWithLatency(stats.OpAppend, uint64(time.Since(start).Nanoseconds()))
	m.stats.TrackFreeBlocks(uint64(m.pool.FreeCount()))
	m.metrics.RecordOperation(ctx, string(stats.OpAppend), time.Since(start), err == nil)

	if err != nil {
		m.trackAppendFailure(err)
		return err
	}

	m.stats.TrackTokens(1)
	m.metrics.RecordTokensAppended(ctx, id, 1)

	if m.recorder != nil {
		if recErr := m.recorder.RecordAppend(id, 1); recErr != nil {
			m.stats.TrackError("trace_record_error")
		}
	}

	return nil
}

// AppendTokens appends up to n tokens to the named sequence and returns
// how many were appended. On failure the partial progress is kept and
// reflected in the returned count.
func (m *Manager) AppendTokens(id string, n int) (int, error) {
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}

	start := time.Now()
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		m.stats.TrackError(errorKey(ErrSequenceNotFound))
		m.metrics.RecordOperation(ctx, string(stats.OpBatch), time.Since(start), false)
		return 0, fmt.Errorf("%w: %q", ErrSequenceNotFound, id)
	}

	before := seq.TokenCount()
	err := seq.AppendTokens(m.pool, n)
	appended := seq.TokenCount() - before

	m.stats.TrackOperationWithLatency(stats.OpBatch, uint64(time.Since(start).Nanoseconds()))
	m.stats.TrackFreeBlocks(uint64(m.pool.FreeCount()))
	m.metrics.RecordOperation(ctx, string(stats.OpBatch), time.Since(start), err == nil)

	if appended > 0 {
		m.stats.TrackTokens(uint64(appended))
		m.metrics.RecordTokensAppended(ctx, id, int64(appended))

		// Partial progress is real cache state, so it is recorded even
		// when the batch as a whole failed.
		if m.recorder != nil {
			if recErr := m.recorder.RecordAppend(id, appended); recErr != nil {
				m.stats.TrackError("trace_record_error")
			}
		}
	}

	if err != nil {
		m.trackAppendFailure(err)
	}

	return appended, err
}

// Translate resolves a token position in the named sequence to its
// physical block id and offset.
func (m *Manager) Translate(id string, tokenIndex int) (blockpool.BlockID, int, error) {
	if m.closed.Load() {
		return sequence.Unmapped, 0, ErrManagerClosed
	}

	start := time.Now()
	ctx := context.Background()

	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.sequences[id]
	if !ok {
		m.stats.TrackError(errorKey(ErrSequenceNotFound))
		m.metrics.RecordOperation(ctx, string(stats.OpTranslate), time.Since(start), false)
		return sequence.Unmapped, 0, fmt.Errorf("%w: %q", ErrSequenceNotFound, id)
	}

	block, offset, err := seq.Translate(tokenIndex)

	m.stats.TrackOperationWithLatency(stats.OpTranslate, uint64(time.Since(start).Nanoseconds()))
	m.metrics.RecordOperation(ctx, string(stats.OpTranslate), time.Since(start), err == nil)

	if err != nil {
		m.stats.TrackError(errorKey(err))
	}

	return block, offset, err
}

// ReleaseSequence returns the named sequence's blocks to the pool and
// removes it from the registry. If some blocks fail to release the
// sequence stays registered holding exactly the survivors, and the
// aggregate error reports every failure.
func (m *Manager) ReleaseSequence(id string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	start := time.Now()
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	seq, ok := m.sequences[id]
	if !ok {
		m.stats.TrackError(errorKey(ErrSequenceNotFound))
		m.metrics.RecordOperation(ctx, string(stats.OpSeqRelease), time.Since(start), false)
		return fmt.Errorf("%w: %q", ErrSequenceNotFound, id)
	}

	err := seq.ReleaseAll(m.pool)

	m.stats.TrackOperationWithLatency(stats.OpSeqRelease, uint64(time.Since(start).Nanoseconds()))
	m.stats.TrackFreeBlocks(uint64(m.pool.FreeCount()))
	m.metrics.RecordOperation(ctx, string(stats.OpSeqRelease), time.Since(start), err == nil)

	if err != nil {
		m.stats.TrackError(errorKey(err))
		return err
	}

	delete(m.sequences, id)
	m.stats.TrackActiveSequences(uint64(len(m.sequences)))
	m.metrics.RecordSequenceCount(ctx, int64(len(m.sequences)))

	if m.recorder != nil {
		if recErr := m.recorder.RecordSequenceRelease(id); recErr != nil {
			m.stats.TrackError("trace_record_error")
		}
	}

	return nil
}

// CanAllocate reports whether the pool currently has enough free blocks
// for a sequence of the given token length. Nothing is reserved; a
// concurrent caller can still win the blocks, in which case the later
// allocation fails cleanly.
func (m *Manager) CanAllocate(tokens int) bool {
	if m.closed.Load() {
		return false
	}

	needed := sequence.BlocksForTokens(tokens, m.pool.BlockSize())
	admitted := needed <= m.pool.FreeCount()
	m.metrics.RecordAdmissionCheck(context.Background(), admitted)

	return admitted
}

// FreeBlocks returns the number of free blocks in the pool.
func (m *Manager) FreeBlocks() int {
	return m.pool.FreeCount()
}

// UsedBlocks returns the number of allocated blocks in the pool.
func (m *Manager) UsedBlocks() int {
	return m.pool.UsedCount()
}

// SequenceCount returns the number of registered sequences.
func (m *Manager) SequenceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sequences)
}

// Sequences returns the registered sequence ids in sorted order.
func (m *Manager) Sequences() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sequences))
	for id := range m.sequences {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns a point-in-time snapshot of the pool and every
// registered sequence. It remains available after Close for post-mortem
// inspection.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		TotalBlocks: m.pool.Cap(),
		BlockSize:   m.pool.BlockSize(),
		Shape:       m.pool.Shape(),
		FreeBlocks:  m.pool.FreeCount(),
		UsedBlocks:  m.pool.UsedCount(),
		Sequences:   make([]SequenceStatus, 0, len(m.sequences)),
	}

	for _, seq := range m.sequences {
		st.Sequences = append(st.Sequences, SequenceStatus{
			ID:         seq.ID(),
			TokenCount: seq.TokenCount(),
			BlockCount: seq.BlockCount(),
			BlockTable: seq.BlockTable(),
		})
	}
	sort.Slice(st.Sequences, func(i, j int) bool {
		return st.Sequences[i].ID < st.Sequences[j].ID
	})

	return st
}

// SequenceStatus returns the snapshot of a single registered sequence.
func (m *Manager) SequenceStatus(id string) (SequenceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seq, ok := m.sequences[id]
	if !ok {
		return SequenceStatus{}, fmt.Errorf("%w: %q", ErrSequenceNotFound, id)
	}

	return SequenceStatus{
		ID:         seq.ID(),
		TokenCount: seq.TokenCount(),
		BlockCount: seq.BlockCount(),
		BlockTable: seq.BlockTable(),
	}, nil
}

// Stats returns the manager's collected statistics merged with the live
// pool counters. It remains available after Close.
func (m *Manager) Stats() map[string]interface{} {
	st := m.stats.GetStats()

	st["pool_total_blocks"] = m.pool.Cap()
	st["pool_block_size"] = m.pool.BlockSize()
	st["pool_free_blocks"] = m.pool.FreeCount()
	st["pool_used_blocks"] = m.pool.UsedCount()
	st["closed"] = m.closed.Load()

	return st
}

// Replay applies every record of the trace file at path to this manager
// through the normal facade paths, recorder included if one is attached.
// Replay statistics land in Stats under the replay key.
func (m *Manager) Replay(path string) (*trace.ReplayStats, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}

	replayStart := m.stats.StartReplay()
	st, err := trace.Replay(path, m)

	var applied, skipped uint64
	if st != nil {
		applied, skipped = st.RecordsApplied, st.RecordsSkipped
	}
	m.stats.FinishReplay(replayStart, applied, skipped)
	m.stats.TrackOperationWithLatency(stats.OpReplay, uint64(time.Since(replayStart).Nanoseconds()))

	if err != nil {
		m.stats.TrackError("replay_error")
	}

	return st, err
}

// PayloadBytes returns the total size of the pool's key and value
// payload backing in bytes.
func (m *Manager) PayloadBytes() int {
	return m.pool.PayloadBytes()
}

// WriteSnapshot dumps the current cache state to a snapshot file at path,
// compressed with the given codec. Snapshots are diagnostic; they are
// never loaded back into a live manager. Like Status, WriteSnapshot stays
// available after Close so a post-mortem dump can still be taken.
func (m *Manager) WriteSnapshot(path string, codec snapshot.Codec) error {
	start := time.Now()
	ctx := context.Background()

	st := m.Status()
	state := snapshot.State{
		TotalBlocks: st.TotalBlocks,
		BlockSize:   st.BlockSize,
		Shape:       st.Shape,
		FreeBlocks:  st.FreeBlocks,
		UsedBlocks:  st.UsedBlocks,
		Sequences:   make([]snapshot.SequenceState, 0, len(st.Sequences)),
	}
	for _, seq := range st.Sequences {
		state.Sequences = append(state.Sequences, snapshot.SequenceState{
			ID:         seq.ID,
			TokenCount: seq.TokenCount,
			BlockCount: seq.BlockCount,
			BlockTable: seq.BlockTable,
		})
	}

	err := snapshot.Write(path, state, codec)

	m.stats.TrackOperationWithLatency(stats.OpSnapshot, uint64(time.Since(start).Nanoseconds()))
	m.metrics.RecordOperation(ctx, string(stats.OpSnapshot), time.Since(start), err == nil)

	if err != nil {
		m.stats.TrackError("snapshot_error")
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

// Close releases every registered sequence back to the pool and marks the
// manager closed. Telemetry and the recorder are owned by the caller and
// are not shut down here. Close is idempotent.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil // Already closed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, seq := range m.sequences {
		if err := seq.ReleaseAll(m.pool); err != nil {
			errs = append(errs, fmt.Errorf("failed to release sequence %q: %w", id, err))
			continue
		}
		delete(m.sequences, id)
	}

	m.stats.TrackActiveSequences(uint64(len(m.sequences)))
	m.stats.TrackFreeBlocks(uint64(m.pool.FreeCount()))

	if err := m.metrics.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close metrics: %w", err))
	}

	return errors.Join(errs...)
}

// trackAppendFailure classifies an append error into the collector.
func (m *Manager) trackAppendFailure(err error) {
	m.stats.TrackError(errorKey(err))
	if errors.Is(err, blockpool.ErrOutOfBlocks) {
		m.stats.TrackExhaustion()
	}
}

// errorKey maps an error to the stable key used in the statistics error
// counters.
func errorKey(err error) string {
	switch {
	case errors.Is(err, blockpool.ErrOutOfBlocks):
		return "out_of_blocks"
	case errors.Is(err, blockpool.ErrDoubleFree):
		return "double_free"
	case errors.Is(err, blockpool.ErrInvalidBlockID):
		return "invalid_block_id"
	case errors.Is(err, sequence.ErrTokenOutOfRange):
		return "token_out_of_range"
	case errors.Is(err, sequence.ErrUnmappedBlock):
		return "unmapped_block"
	case errors.Is(err, sequence.ErrBlockSizeMismatch):
		return "block_size_mismatch"
	case errors.Is(err, ErrSequenceNotFound):
		return "sequence_not_found"
	case errors.Is(err, ErrSequenceExists):
		return "sequence_exists"
	case errors.Is(err, ErrManagerClosed):
		return "manager_closed"
	default:
		return "internal_error"
	}
}
