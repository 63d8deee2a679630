// Package telemetry installs the global OpenTelemetry meter provider.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"skillflow/internal/logging"
)

const serviceName = "skillflow"

// Config selects where metrics are exported. An empty OTLPEndpoint disables export.
type Config struct {
	OTLPEndpoint   string
	Insecure       bool
	ExportInterval time.Duration
	Environment    string
	Version        string
}

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Setup registers an OTLP/gRPC meter provider as the global provider. With no
// endpoint configured it leaves the global no-op provider in place.
func Setup(ctx context.Context, cfg Config, logger *logging.Logger) (Shutdown, error) {
	if cfg.OTLPEndpoint == "" {
		logger.Debug("Metric export disabled")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider, err := NewMeterProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(provider)

	logger.Info("Metric export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"interval", cfg.ExportInterval,
		"insecure", cfg.Insecure,
	)
	return provider.Shutdown, nil
}

// NewMeterProvider builds a provider that pushes to cfg.OTLPEndpoint on a
// fixed interval. The exporter dials lazily.
func NewMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}
