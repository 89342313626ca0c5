package exporters

import (
	"context"
	"time"

	"colony-tasks/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/sdk/metric"
)

// ProvideMetricExporter pushes metrics to the same collector as traces.
func ProvideMetricExporter(cfg *config.Config) (metric.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Otel.Protocol == "grpc" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if cfg.Otel.Addr != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Otel.Addr))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithInsecure(),
		otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
	}
	if cfg.Otel.Addr != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Otel.Addr))
	}
	return otlpmetrichttp.New(ctx, opts...)
}
