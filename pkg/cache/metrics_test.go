// ABOUTME: Unit tests for cache manager telemetry metrics with a mock telemetry destination
// ABOUTME: Tests facade-level metric recording accuracy for operations, tokens, and admission checks

package cache

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

func (m *mockTelemetryServer) findCounter(name string) *counterRecord {
	for _, c := range m.counters {
		if c.name == name {
			return &c
		}
	}
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

func (m *mockTelemetryServer) hasAttribute(attrs []attribute.KeyValue, key, value string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == value {
			return true
		}
	}
	return false
}

func (m *mockTelemetryServer) reset() {
	m.histograms = m.histograms[:0]
	m.counters = m.counters[:0]
}

func TestCacheMetricsInterface(t *testing.T) {
	mockServer := newMockTelemetryServer()
	metrics := NewCacheMetrics(mockServer)

	ctx := context.Background()

	t.Run("RecordOperation", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordOperation(ctx, "append", 50*time.Millisecond, true)

		durHist := mockServer.findHistogram("pagedkv.cache.operation.duration")
		if durHist == nil {
			t.Fatal("Expected operation duration histogram to be recorded")
		}
		if durHist.value != 0.05 {
			t.Errorf("Expected duration 0.05s, got %f", durHist.value)
		}
		if !mockServer.hasAttribute(durHist.attrs, "operation.name", "append") {
			t.Error("Expected operation.name attribute append")
		}
		if !mockServer.hasAttribute(durHist.attrs, "status", "success") {
			t.Error("Expected status attribute success")
		}

		opCounter := mockServer.findCounter("pagedkv.cache.operation.count")
		if opCounter == nil {
			t.Fatal("Expected operation counter to be recorded")
		}
		if opCounter.value != 1 {
			t.Errorf("Expected counter value 1, got %d", opCounter.value)
		}
	})

	t.Run("RecordOperationFailure", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordOperation(ctx, "append", time.Millisecond, false)

		opCounter := mockServer.findCounter("pagedkv.cache.operation.count")
		if opCounter == nil {
			t.Fatal("Expected operation counter to be recorded")
		}
		if !mockServer.hasAttribute(opCounter.attrs, "status", "error") {
			t.Error("Expected status attribute error")
		}
	})

	t.Run("RecordTokensAppended", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordTokensAppended(ctx, "seq_1", 30)

		tokenCounter := mockServer.findCounter("pagedkv.cache.tokens.appended.total")
		if tokenCounter == nil {
			t.Fatal("Expected token counter to be recorded")
		}
		if tokenCounter.value != 30 {
			t.Errorf("Expected 30 tokens, got %d", tokenCounter.value)
		}
		if !mockServer.hasAttribute(tokenCounter.attrs, "sequence.id", "seq_1") {
			t.Error("Expected sequence.id attribute seq_1")
		}
	})

	t.Run("RecordSequenceCount", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordSequenceCount(ctx, 3)

		hist := mockServer.findHistogram("pagedkv.cache.sequences.active")
		if hist == nil {
			t.Fatal("Expected sequence count histogram to be recorded")
		}
		if hist.value != 3 {
			t.Errorf("Expected 3 sequences, got %f", hist.value)
		}
	})

	t.Run("RecordAdmissionCheck", func(t *testing.T) {
		mockServer.reset()

		metrics.RecordAdmissionCheck(ctx, true)
		metrics.RecordAdmissionCheck(ctx, false)

		if len(mockServer.counters) != 2 {
			t.Fatalf("Expected 2 admission counters, got %d", len(mockServer.counters))
		}
		if !mockServer.hasAttribute(mockServer.counters[0].attrs, "status", "admitted") {
			t.Error("Expected first check recorded as admitted")
		}
		if !mockServer.hasAttribute(mockServer.counters[1].attrs, "status", "rejected") {
			t.Error("Expected second check recorded as rejected")
		}
	})
}

func TestNewCacheMetricsWithNilTelemetry(t *testing.T) {
	metrics := NewCacheMetrics(nil)
	if metrics == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	// Should not panic.
	ctx := context.Background()
	metrics.RecordOperation(ctx, "append", time.Millisecond, true)
	metrics.RecordTokensAppended(ctx, "seq_1", 1)
	metrics.RecordSequenceCount(ctx, 1)
	metrics.RecordAdmissionCheck(ctx, true)

	if err := metrics.Close(); err != nil {
		t.Errorf("Expected nil from Close, got %v", err)
	}
}

func TestManagerTelemetryWiring(t *testing.T) {
	mgr := newTestManager(t, 10, 4)
	defer mgr.Close()

	mockServer := newMockTelemetryServer()
	mgr.SetTelemetry(mockServer)

	if err := mgr.CreateSequence("seq_1"); err != nil {
		t.Fatalf("failed to create sequence: %v", err)
	}
	if _, err := mgr.AppendTokens("seq_1", 6); err != nil {
		t.Fatalf("failed to append tokens: %v", err)
	}

	// Facade metrics and the pushed-down pool metrics both reach the
	// telemetry destination.
	if mockServer.findCounter("pagedkv.cache.operation.count") == nil {
		t.Error("Expected cache operation counter to be recorded")
	}
	if mockServer.findCounter("pagedkv.cache.tokens.appended.total") == nil {
		t.Error("Expected token counter to be recorded")
	}
	if mockServer.findHistogram("pagedkv.pool.allocate.duration") == nil {
		t.Error("Expected pool allocate histogram to be recorded")
	}
}
