// Package tracing configures the OpenTelemetry tracer used by the pipeline
// and the registry API.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sbtc/oss-medical-record/internal/platform/env"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"

	defaultServiceName = "deployctl"
)

// Span attribute keys shared by instrumented packages.
const (
	AttrRunID      = attribute.Key("deployctl.run_id")
	AttrNamespace  = attribute.Key("deployctl.namespace")
	AttrStep       = attribute.Key("deployctl.step")
	AttrStepIndex  = attribute.Key("deployctl.step_index")
	AttrComponent  = attribute.Key("deployctl.component")
	AttrRegistry   = attribute.Key("deployctl.registry_name")
	AttrVersion    = attribute.Key("deployctl.registry_version")
	AttrDirectives = attribute.Key("deployctl.registry_directives")
)

type Config struct {
	Enabled      bool
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
	ServiceName  string

	// Writer receives spans from the stdout exporter; nil means stderr so
	// report output on stdout stays machine-readable.
	Writer io.Writer
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("DEPLOYCTL_TRACING_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	insecure, err := env.Bool("DEPLOYCTL_TRACING_OTLP_INSECURE", true)
	if err != nil {
		return Config{}, err
	}
	samplePercent, err := env.Int("DEPLOYCTL_TRACING_SAMPLE_PERCENT", 100)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:      enabled,
		Exporter:     strings.ToLower(env.String("DEPLOYCTL_TRACING_EXPORTER", ExporterStdout)),
		OTLPEndpoint: env.String("DEPLOYCTL_TRACING_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure: insecure,
		SampleRate:   float64(samplePercent) / 100,
		ServiceName:  env.String("DEPLOYCTL_TRACING_SERVICE_NAME", defaultServiceName),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLP:
		if strings.TrimSpace(c.OTLPEndpoint) == "" {
			return errors.New("DEPLOYCTL_TRACING_OTLP_ENDPOINT is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Exporter)
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return errors.New("DEPLOYCTL_TRACING_SAMPLE_PERCENT must be in 1..100")
	}
	return nil
}

// Provider owns the tracer provider for the process lifetime.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider builds the configured provider and installs it globally. A
// disabled config yields a no-op tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(defaultServiceName)}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithSyncer(exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Provider{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(defaultServiceName)
	}
	return p.tracer
}

func (p *Provider) Enabled() bool {
	return p != nil && p.provider != nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// Noop returns a tracer that records nothing.
func Noop() trace.Tracer {
	return noop.NewTracerProvider().Tracer(defaultServiceName)
}
