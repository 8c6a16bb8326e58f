// ABOUTME: Unit tests for block pool telemetry metrics interface and implementation with mock telemetry server
// ABOUTME: Tests pool metric recording accuracy against a capturing telemetry destination

package blockpool

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mockTelemetryServer provides a telemetry server implementation that captures metrics for testing
// This mocks the telemetry destination/server, NOT the business logic
type mockTelemetryServer struct {
	histograms []histogramRecord
	counters   []counterRecord
}

type histogramRecord struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

type counterRecord struct {
	name  string
	value int64
	attrs []attribute.KeyValue
}

func newMockTelemetryServer() *mockTelemetryServer {
	return &mockTelemetryServer{
		histograms: make([]histogramRecord, 0),
		counters:   make([]counterRecord, 0),
	}
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.histograms = append(m.histograms, histogramRecord{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.counters = append(m.counters, counterRecord{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

func (m *mockTelemetryServer) findHistogram(name string) *histogramRecord {
	for _, h := range m.histograms {
		if h.name == name {
			return &h
		}
	}
	return nil
}

func (m *mockTelemetryServer) findCounter(name string) *counterRecord {
	for _, c := range m.counters {
		if c.name == name {
			return &c
		}
	}
	return nil
}

func (m *mockTelemetryServer) reset() {
	m.histograms = m.histograms[:0]
	m.counters = m.counters[:0]
}

// recordingPoolMetrics counts metric calls for wiring tests.
type recordingPoolMetrics struct {
	allocates   int
	releases    int
	exhaustions int
}

func (r *recordingPoolMetrics) RecordAllocate(ctx context.Context, duration time.Duration, freeBlocks int) {
	r.allocates++
}

func (r *recordingPoolMetrics) RecordRelease(ctx context.Context, duration time.Duration, freeBlocks int) {
	r.releases++
}

func (r *recordingPoolMetrics) RecordExhaustion(ctx context.Context) {
	r.exhaustions++
}

func (r *recordingPoolMetrics) Close() error {
	return nil
}

func TestPoolMetricsInterface(t *testing.T) {
	mockServer := newMockTelemetryServer()
	metrics := NewPoolMetrics(mockServer)

	ctx := context.Background()

	t.Run("RecordAllocate", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordAllocate(ctx, 100*time.Millisecond, 42)

		durHist := mockServer.findHistogram("pagedkv.pool.allocate.duration")
		if durHist == nil {
			t.Fatal("Expected allocate duration histogram to be recorded")
		}
		if durHist.value != 0.1 {
			t.Errorf("Expected duration 0.1s, got %f", durHist.value)
		}

		freeHist := mockServer.findHistogram("pagedkv.pool.free_blocks")
		if freeHist == nil {
			t.Fatal("Expected free blocks histogram to be recorded")
		}
		if freeHist.value != 42 {
			t.Errorf("Expected free blocks 42, got %f", freeHist.value)
		}

		opsCounter := mockServer.findCounter("pagedkv.pool.operations.total")
		if opsCounter == nil {
			t.Fatal("Expected operations counter to be recorded")
		}
		if opsCounter.value != 1 {
			t.Errorf("Expected operation count 1, got %d", opsCounter.value)
		}
	})

	t.Run("RecordRelease", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordRelease(ctx, 50*time.Millisecond, 43)

		durHist := mockServer.findHistogram("pagedkv.pool.release.duration")
		if durHist == nil {
			t.Fatal("Expected release duration histogram to be recorded")
		}
		if durHist.value != 0.05 {
			t.Errorf("Expected duration 0.05s, got %f", durHist.value)
		}

		freeHist := mockServer.findHistogram("pagedkv.pool.free_blocks")
		if freeHist == nil {
			t.Fatal("Expected free blocks histogram to be recorded")
		}
		if freeHist.value != 43 {
			t.Errorf("Expected free blocks 43, got %f", freeHist.value)
		}
	})

	t.Run("RecordExhaustion", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordExhaustion(ctx)

		exhaustionCounter := mockServer.findCounter("pagedkv.pool.exhaustion.count")
		if exhaustionCounter == nil {
			t.Fatal("Expected exhaustion counter to be recorded")
		}
		if exhaustionCounter.value != 1 {
			t.Errorf("Expected exhaustion count 1, got %d", exhaustionCounter.value)
		}
	})
}

func TestNewPoolMetricsWithNilTelemetry(t *testing.T) {
	metrics := NewPoolMetrics(nil)

	if metrics == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	// No-op implementation must not panic
	ctx := context.Background()
	metrics.RecordAllocate(ctx, time.Millisecond, 10)
	metrics.RecordRelease(ctx, time.Millisecond, 11)
	metrics.RecordExhaustion(ctx)

	if err := metrics.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}

func TestNoopPoolMetrics(t *testing.T) {
	metrics := NewNoopPoolMetrics()

	ctx := context.Background()
	metrics.RecordAllocate(ctx, time.Millisecond, 1)
	metrics.RecordRelease(ctx, time.Millisecond, 2)
	metrics.RecordExhaustion(ctx)

	if err := metrics.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}
