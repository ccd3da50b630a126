// ABOUTME: OpenTelemetry provider with metric and trace provider setup for USF telemetry
// ABOUTME: Handles provider lifecycle, resource attributes, sampling and instrument caching

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

const instrumentationName = "github.com/KevoDB/usf"

// TelemetryProvider implements Telemetry on the OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer

	histograms sync.Map // name -> metric.Float64Histogram
	counters   sync.Map // name -> metric.Int64Counter

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Telemetry for cfg. A disabled config yields the no-op
// implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, err
	}
	traceExporters, err := createTraceExporters(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exp := range metricExporters {
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp,
			sdkmetric.WithInterval(cfg.BatchTimeout),
			sdkmetric.WithTimeout(cfg.ExportTimeout),
		)))
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, exp := range traceExporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}

	p := &TelemetryProvider{
		config:         cfg,
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
	}
	p.meter = p.meterProvider.Meter(instrumentationName)
	p.tracer = p.tracerProvider.Tracer(instrumentationName)
	return p, nil
}

// RecordHistogram records value in the named histogram
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, err := p.histogram(name)
	if err != nil {
		return
	}
	h.Record(orBackground(ctx), value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, err := p.counter(name)
	if err != nil {
		return
	}
	c.Add(orBackground(ctx), value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the provider's tracer
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(orBackground(ctx), name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes both providers. Later calls return the first result.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		ctx = orBackground(ctx)
		p.shutdownErr = errors.Join(
			p.tracerProvider.Shutdown(ctx),
			p.meterProvider.Shutdown(ctx),
		)
	})
	return p.shutdownErr
}

func (p *TelemetryProvider) histogram(name string) (metric.Float64Histogram, error) {
	if h, ok := p.histograms.Load(name); ok {
		return h.(metric.Float64Histogram), nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	actual, _ := p.histograms.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram), nil
}

func (p *TelemetryProvider) counter(name string) (metric.Int64Counter, error) {
	if c, ok := p.counters.Load(name); ok {
		return c.(metric.Int64Counter), nil
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	actual, _ := p.counters.LoadOrStore(name, c)
	return actual.(metric.Int64Counter), nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
