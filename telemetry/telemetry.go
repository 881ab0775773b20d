// Package telemetry sets up the logging and tracing shared by the forwarder,
// the control server, and the command line tools.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const Version = "1.0.0"

type Options struct {
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// OptionsFromEnv reads the standard OTEL_* variables. An empty endpoint
// leaves tracing disabled.
func OptionsFromEnv(
	getenv func(string) string, defaultServiceName string,
) Options {
	opts := Options{
		Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName: getenv("OTEL_SERVICE_NAME"),
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}
	opts.Insecure, _ = strconv.ParseBool(getenv("OTEL_EXPORTER_OTLP_INSECURE"))
	return opts
}

// Provider wraps the installed tracer provider. The zero value is a no-op.
type Provider struct {
	tp *sdktrace.TracerProvider
}

func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

// Flush exports buffered spans. Lambda handlers call it before returning,
// since the execution environment may freeze afterwards.
func (p *Provider) Flush(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Init installs an OTLP/gRPC batch exporter as the global tracer provider.
// Without an endpoint the global no-op provider stays in place.
func Init(
	ctx context.Context, opts Options, log zerolog.Logger,
) (*Provider, error) {
	if opts.Endpoint == "" {
		log.Debug().Msg("OpenTelemetry disabled")
		return &Provider{}, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", opts.Endpoint).
		Str("service", opts.ServiceName).
		Msg("OpenTelemetry tracing initialized")
	return &Provider{tp}, nil
}

// NewLogger returns a JSON logger without timestamps, since the Lambda
// runtime already stamps every line. LOG_LEVEL takes precedence over
// VERBOSE_LOGGING.
func NewLogger(w io.Writer, getenv func(string) string) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose, _ := strconv.ParseBool(getenv("VERBOSE_LOGGING")); verbose {
		level = zerolog.DebugLevel
	}
	if value := getenv("LOG_LEVEL"); value != "" {
		if parsed, err := zerolog.ParseLevel(value); err == nil {
			level = parsed
		}
	}
	return zerolog.New(w).Level(level)
}
