package otelcol

import (
	"context"
	"fmt"

	"colony-tasks/pkg/config"
	"colony-tasks/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs global tracer and meter providers. Without OTEL.ADDR the
// otel no-op providers stay in place.
var Module = fx.Module("otelcol", fx.Invoke(Register))

func defaultTraceProviderOption(res *resource.Resource) []trace.TracerProviderOption {
	return []trace.TracerProviderOption{
		trace.WithResource(res),
	}
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if len(opts) == 0 {
		opts = defaultTraceProviderOption(resource.Default())
	}

	opts = append(opts, trace.WithBatcher(exporter))

	return trace.NewTracerProvider(opts...)
}

func defaultMetricProviderOption(res *resource.Resource) []metric.Option {
	return []metric.Option{
		metric.WithResource(res),
	}
}

func ProvideMetric(reader metric.Reader, opts ...metric.Option) *metric.MeterProvider {
	if len(opts) == 0 {
		opts = defaultMetricProviderOption(resource.Default())
	}

	opts = append(opts, metric.WithReader(reader))

	return metric.NewMeterProvider(opts...)
}

// Resource describes this service instance.
func Resource(cfg *config.Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
}

func Register(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Otel.Addr == "" {
		zap.L().Debug("otel exporter disabled")
		return nil
	}

	var (
		exporter trace.SpanExporter
		err      error
	)
	switch cfg.Otel.Protocol {
	case "grpc":
		exporter, err = exporters.ProvideGrpc(cfg)
	case "http", "":
		exporter, err = exporters.ProvideHttp(cfg)
	default:
		return fmt.Errorf("otel: unknown protocol %q", cfg.Otel.Protocol)
	}
	if err != nil {
		return fmt.Errorf("otel: create exporter: %w", err)
	}

	res, err := Resource(cfg)
	if err != nil {
		return fmt.Errorf("otel: build resource: %w", err)
	}

	metricExporter, err := exporters.ProvideMetricExporter(cfg)
	if err != nil {
		return fmt.Errorf("otel: create metric exporter: %w", err)
	}

	tp := ProvideTrace(exporter, defaultTraceProviderOption(res)...)
	mp := ProvideMetric(metric.NewPeriodicReader(metricExporter), defaultMetricProviderOption(res)...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	zap.L().Info("otel providers registered", zap.String("addr", cfg.Otel.Addr), zap.String("protocol", cfg.Otel.Protocol))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				zap.L().Warn("failed to flush traces", zap.Error(err))
			}
			return mp.Shutdown(ctx)
		},
	})
	return nil
}
