// ABOUTME: Trace writer telemetry metrics interface and implementation for workload capture
// ABOUTME: Provides instrumentation for record writes and file syncs

package trace

import (
	"context"
	"time"

	"github.com/PagedKV/pagedkv/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// TraceMetrics defines the interface for trace capture telemetry.
// All metrics are optional - implementations can safely be no-op.
type TraceMetrics interface {
	telemetry.ComponentMetrics

	// RecordWrite records metrics for one appended record.
	RecordWrite(ctx context.Context, recordType uint8, bytes int, duration time.Duration)

	// RecordSync records metrics for a trace file sync.
	RecordSync(ctx context.Context, duration time.Duration)
}

// traceMetrics implements TraceMetrics using the telemetry interface.
type traceMetrics struct {
	tel telemetry.Telemetry
}

// NewTraceMetrics creates a new trace metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewTraceMetrics(tel telemetry.Telemetry) TraceMetrics {
	if tel == nil {
		return &noopTraceMetrics{}
	}
	return &traceMetrics{tel: tel}
}

// NewNoopTraceMetrics creates a no-op trace metrics implementation for testing.
func NewNoopTraceMetrics() TraceMetrics {
	return &noopTraceMetrics{}
}

// RecordWrite records record write metrics.
func (m *traceMetrics) RecordWrite(ctx context.Context, recordType uint8, bytes int, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "pagedkv.trace.write.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTrace),
		attribute.String(telemetry.AttrOperationType, recordTypeName(recordType)),
	)

	m.tel.RecordCounter(ctx, "pagedkv.trace.write.bytes", int64(bytes),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTrace),
		attribute.String(telemetry.AttrOperationType, recordTypeName(recordType)),
	)

	m.tel.RecordCounter(ctx, "pagedkv.trace.records.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTrace),
		attribute.String(telemetry.AttrOperationType, recordTypeName(recordType)),
	)
}

// RecordSync records trace sync metrics.
func (m *traceMetrics) RecordSync(ctx context.Context, duration time.Duration) {
	m.tel.RecordHistogram(ctx, "pagedkv.trace.sync.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTrace),
	)

	m.tel.RecordCounter(ctx, "pagedkv.trace.sync.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentTrace),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *traceMetrics) Close() error {
	// No resources to clean up for this implementation
	return nil
}

// noopTraceMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopTraceMetrics struct{}

// RecordWrite is a no-op.
func (n *noopTraceMetrics) RecordWrite(ctx context.Context, recordType uint8, bytes int, duration time.Duration) {
	// No-op
}

// RecordSync is a no-op.
func (n *noopTraceMetrics) RecordSync(ctx context.Context, duration time.Duration) {
	// No-op
}

// Close is a no-op.
func (n *noopTraceMetrics) Close() error {
	return nil
}

// recordTypeName converts a record type to its telemetry string.
func recordTypeName(recordType uint8) string {
	switch recordType {
	case RecordSequenceCreate:
		return "sequence_create"
	case RecordAppend:
		return "append"
	case RecordSequenceRelease:
		return "sequence_release"
	default:
		return "unknown"
	}
}
