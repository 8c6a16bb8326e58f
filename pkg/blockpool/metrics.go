// ABOUTME: Block pool telemetry metrics interface and implementation for tracking allocation behavior
// ABOUTME: Provides instrumentation for allocate, release, exhaustion, and free-list depth

package blockpool

import (
	"context"
	"time"

	"github.com/PagedKV/pagedkv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// PoolMetrics defines the interface for block pool telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type PoolMetrics interface {
	telemetry.ComponentMetrics

	// RecordAllocate records metrics for a successful block allocation.
	RecordAllocate(ctx context.Context, duration time.Duration, freeBlocks int)

	// RecordRelease records metrics for a successful block release.
	RecordRelease(ctx context.Context, duration time.Duration, freeBlocks int)

	// RecordExhaustion records a failed allocation against an empty free list.
	RecordExhaustion(ctx context.Context)
}

// poolMetrics implements PoolMetrics using the telemetry interface.
type poolMetrics struct {
	tel telemetry.Telemetry
}

// NewPoolMetrics creates a new pool metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewPoolMetrics(tel telemetry.Telemetry) PoolMetrics {
	if tel == nil {
		return &noopPoolMetrics{}
	}
	return &poolMetrics{tel: tel}
}

// NewNoopPoolMetrics creates a no-op pool metrics implementation for testing.
func NewNoopPoolMetrics() PoolMetrics {
	return &noopPoolMetrics{}
}

// RecordAllocate records block allocation metrics.
func (m *poolMetrics) RecordAllocate(ctx context.Context, duration time.Duration, freeBlocks int) {
	m.tel.RecordHistogram(ctx, "pagedkv.pool.allocate.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAllocate),
	)

	m.tel.RecordCounter(ctx, "pagedkv.pool.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAllocate),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)

	m.tel.RecordHistogram(ctx, "pagedkv.pool.free_blocks", float64(freeBlocks),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
	)
}

// RecordRelease records block release metrics.
func (m *poolMetrics) RecordRelease(ctx context.Context, duration time.Duration, freeBlocks int) {
	m.tel.RecordHistogram(ctx, "pagedkv.pool.release.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRelease),
	)

	m.tel.RecordCounter(ctx, "pagedkv.pool.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRelease),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)

	m.tel.RecordHistogram(ctx, "pagedkv.pool.free_blocks", float64(freeBlocks),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
	)
}

// RecordExhaustion records a pool exhaustion event.
func (m *poolMetrics) RecordExhaustion(ctx context.Context) {
	m.tel.RecordCounter(ctx, "pagedkv.pool.exhaustion.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrReason, "free_list_empty"),
	)

	m.tel.RecordCounter(ctx, "pagedkv.pool.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPool),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeAllocate),
		attribute.String(telemetry.AttrStatus, telemetry.StatusError),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *poolMetrics) Close() error {
	// No resources to clean up for this implementation
	return nil
}

// noopPoolMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopPoolMetrics struct{}

// RecordAllocate is a no-op.
func (n *noopPoolMetrics) RecordAllocate(ctx context.Context, duration time.Duration, freeBlocks int) {
	// No-op
}

// RecordRelease is a no-op.
func (n *noopPoolMetrics) RecordRelease(ctx context.Context, duration time.Duration, freeBlocks int) {
	// No-op
}

// RecordExhaustion is a no-op.
func (n *noopPoolMetrics) RecordExhaustion(ctx context.Context) {
	// No-op
}

// Close is a no-op.
func (n *noopPoolMetrics) Close() error {
	return nil
}
