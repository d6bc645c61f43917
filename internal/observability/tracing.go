package observability

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/querycache/querycache/internal/config"
)

const tracerName = "github.com/querycache/querycache"

// Tracing owns the tracer provider. Without an OTLP endpoint the global
// provider stays the OpenTelemetry no-op and Shutdown does nothing.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

func InitTracing(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Tracing, error) {
	endpoint := strings.TrimSpace(cfg.Observability.OTLPEndpoint)
	if endpoint == "" {
		if logger != nil {
			logger.Debug("tracing disabled, no OTLP endpoint configured")
		}
		return &Tracing{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Service.Name),
			semconv.DeploymentEnvironmentKey.String(string(cfg.Profile)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Observability.TraceSampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if logger != nil {
		logger.Info("tracing initialized",
			slog.String("endpoint", endpoint),
			slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
		)
	}
	return &Tracing{provider: provider}, nil
}

func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// Tracer returns the package tracer from the current global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
