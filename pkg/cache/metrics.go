// ABOUTME: Cache manager telemetry for operation latency, token throughput, and occupancy
// ABOUTME: Provides facade-level instrumentation complementing the per-pool metrics in blockpool

package cache

import (
	"context"
	"time"

	"github.com/PagedKV/pagedkv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CacheMetrics defines the interface for manager-level telemetry.
type CacheMetrics interface {
	telemetry.ComponentMetrics

	// RecordOperation records one facade operation with its duration and outcome.
	RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool)

	// RecordTokensAppended records tokens accepted into a sequence.
	RecordTokensAppended(ctx context.Context, sequenceID string, count int64)

	// RecordSequenceCount records the current number of registered sequences.
	RecordSequenceCount(ctx context.Context, count int64)

	// RecordAdmissionCheck records the outcome of an advisory CanAllocate call.
	RecordAdmissionCheck(ctx context.Context, admitted bool)
}

// cacheMetrics implements CacheMetrics using the telemetry interface.
type cacheMetrics struct {
	tel telemetry.Telemetry
}

// NewCacheMetrics creates a new cache metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewCacheMetrics(tel telemetry.Telemetry) CacheMetrics {
	if tel == nil {
		return &noopCacheMetrics{}
	}
	return &cacheMetrics{tel: tel}
}

// NewNoopCacheMetrics creates a no-op cache metrics implementation for testing.
func NewNoopCacheMetrics() CacheMetrics {
	return &noopCacheMetrics{}
}

// RecordOperation records operation duration and count with outcome.
func (m *cacheMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
	status := telemetry.StatusSuccess
	if !success {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, "pagedkv.cache.operation.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrOperationName, operation),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, "pagedkv.cache.operation.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrOperationName, operation),
		attribute.String(telemetry.AttrStatus, status),
	)
}

// RecordTokensAppended records accepted tokens by sequence.
func (m *cacheMetrics) RecordTokensAppended(ctx context.Context, sequenceID string, count int64) {
	m.tel.RecordCounter(ctx, "pagedkv.cache.tokens.appended.total", count,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrSequenceID, sequenceID),
	)
}

// RecordSequenceCount records the current registry size.
func (m *cacheMetrics) RecordSequenceCount(ctx context.Context, count int64) {
	m.tel.RecordHistogram(ctx, "pagedkv.cache.sequences.active", float64(count),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
	)
}

// RecordAdmissionCheck records an advisory admission decision.
func (m *cacheMetrics) RecordAdmissionCheck(ctx context.Context, admitted bool) {
	result := "admitted"
	if !admitted {
		result = "rejected"
	}

	m.tel.RecordCounter(ctx, "pagedkv.cache.admission.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCache),
		attribute.String(telemetry.AttrStatus, result),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *cacheMetrics) Close() error {
	// Cache metrics doesn't own the telemetry instance, so there is nothing to close
	return nil
}

// noopCacheMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopCacheMetrics struct{}

func (n *noopCacheMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, success bool) {
}
func (n *noopCacheMetrics) RecordTokensAppended(ctx context.Context, sequenceID string, count int64) {
}
func (n *noopCacheMetrics) RecordSequenceCount(ctx context.Context, count int64) {}
func (n *noopCacheMetrics) RecordAdmissionCheck(ctx context.Context, admitted bool) {
}
func (n *noopCacheMetrics) Close() error { return nil }
