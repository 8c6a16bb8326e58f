// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for pagedkv telemetry
// ABOUTME: Handles provider lifecycle, resource detection, instrument caching, and sampling configuration

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// instrumentationName identifies this library in exported telemetry data.
const instrumentationName = "github.com/PagedKV/pagedkv"

// TelemetryProvider implements the Telemetry interface using the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	// Instruments are created lazily and cached by name
	histMu     sync.RWMutex
	histograms map[string]metric.Float64Histogram

	ctrMu    sync.RWMutex
	counters map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration.
// A disabled configuration returns a no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := buildResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, err
	}

	traceExporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exporter := range metricExporters {
		reader := sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.BatchTimeout),
		)
		meterOpts = append(meterOpts, sdkmetric.WithReader(reader))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exporter := range traceExporters {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(instrumentationName),
		tracer:         tracerProvider.Tracer(instrumentationName),
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}, nil
}

// buildResource constructs the OpenTelemetry resource describing this service.
func buildResource(cfg Config) (*sdkresource.Resource, error) {
	return sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
}

// RecordHistogram records a histogram value with optional attributes.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	if ctx == nil {
		ctx = context.Background()
	}

	histogram, err := p.getOrCreateHistogram(name)
	if err != nil {
		return
	}

	histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter records a counter increment with optional attributes.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	if ctx == nil {
		ctx = context.Background()
	}

	counter, err := p.getOrCreateCounter(name)
	if err != nil {
		return
	}

	counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan creates a new tracing span with the given name and attributes.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown gracefully shuts down all telemetry providers and exports remaining data.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
	}

	return errors.Join(errs...)
}

// getOrCreateHistogram gets or creates a float64 histogram instrument by name.
func (p *TelemetryProvider) getOrCreateHistogram(name string) (metric.Float64Histogram, error) {
	p.histMu.RLock()
	histogram, exists := p.histograms[name]
	p.histMu.RUnlock()

	if exists {
		return histogram, nil
	}

	p.histMu.Lock()
	defer p.histMu.Unlock()

	if histogram, exists = p.histograms[name]; exists {
		return histogram, nil
	}

	histogram, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = histogram

	return histogram, nil
}

// getOrCreateCounter gets or creates an int64 counter instrument by name.
func (p *TelemetryProvider) getOrCreateCounter(name string) (metric.Int64Counter, error) {
	p.ctrMu.RLock()
	counter, exists := p.counters[name]
	p.ctrMu.RUnlock()

	if exists {
		return counter, nil
	}

	p.ctrMu.Lock()
	defer p.ctrMu.Unlock()

	if counter, exists = p.counters[name]; exists {
		return counter, nil
	}

	counter, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = counter

	return counter, nil
}
