// Package telemetry builds the OTLP tracer and meter providers distillsvc
// wires into its structured logger and request-handling path when
// observability is enabled (internal/config's ObservabilityConfig).
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

// Config configures the OTLP exporters. It mirrors config.ObservabilityConfig
// rather than importing it, to keep this package usable without a dependency
// on the rest of the service.
type Config struct {
	ServiceName   string
	Endpoint      string
	Protocol      string // "grpc" (default) or "http/protobuf"
	Insecure      bool
	TLSSkipVerify bool
}

// Providers holds the constructed tracer and meter providers. Both are nil
// when observability is disabled, and Shutdown on a nil Providers is a no-op.
type Providers struct {
	Tracer *trace.TracerProvider
	Meter  *metric.MeterProvider
}

// Shutdown flushes and closes both providers. Safe to call on a zero value.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New builds the tracer and meter providers for cfg. Every span and metric
// point carries the service.name resource attribute so a single OTLP
// collector can distinguish distillsvc from whatever else feeds it.
func New(ctx context.Context, cfg Config) (*Providers, error) {
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName))

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("creating trace provider: %w", err)
	}
	mp, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric provider: %w", err)
	}
	return &Providers{Tracer: tp, Meter: mp}, nil
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch protocol(cfg) {
	case "http/protobuf":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		opts = append(opts, tlsTraceHTTPOptions(cfg)...)
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		opts = append(opts, tlsTraceGRPCOptions(cfg)...)
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.AlwaysSample())),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*metric.MeterProvider, error) {
	var exporter metric.Exporter
	var err error

	switch protocol(cfg) {
	case "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		opts = append(opts, tlsMetricHTTPOptions(cfg)...)
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		opts = append(opts, tlsMetricGRPCOptions(cfg)...)
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter)),
	), nil
}

func protocol(cfg Config) string {
	if cfg.Protocol == "" {
		return "grpc"
	}
	return cfg.Protocol
}

func tlsTraceGRPCOptions(cfg Config) []otlptracegrpc.Option {
	if cfg.Insecure {
		return []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
	}
	if cfg.TLSSkipVerify {
		return []otlptracegrpc.Option{otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}))}
	}
	return nil
}

func tlsTraceHTTPOptions(cfg Config) []otlptracehttp.Option {
	if cfg.Insecure {
		return []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	}
	if cfg.TLSSkipVerify {
		return []otlptracehttp.Option{otlptracehttp.WithTLSClientConfig(&tls.Config{InsecureSkipVerify: true})}
	}
	return nil
}

func tlsMetricGRPCOptions(cfg Config) []otlpmetricgrpc.Option {
	if cfg.Insecure {
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
	}
	if cfg.TLSSkipVerify {
		return []otlpmetricgrpc.Option{otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}))}
	}
	return nil
}

func tlsMetricHTTPOptions(cfg Config) []otlpmetrichttp.Option {
	if cfg.Insecure {
		return []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
	}
	if cfg.TLSSkipVerify {
		return []otlpmetrichttp.Option{otlpmetrichttp.WithTLSClientConfig(&tls.Config{InsecureSkipVerify: true})}
	}
	return nil
}

// stripScheme removes http:// or https:// from an endpoint URL; the OTLP
// HTTP exporters expect host:port, not a full URL.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return endpoint
}
