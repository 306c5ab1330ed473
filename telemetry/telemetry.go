package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"callrelay/core"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "callrelay"

type Config struct {
	ServiceName  string `json:"service_name" yaml:"service_name"`
	Environment  string `json:"environment" yaml:"environment"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool   `json:"stdout_traces" yaml:"stdout_traces"`
	MetricsPath  string `json:"metrics_path" yaml:"metrics_path"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:  "callrelay",
		Environment:  "development",
		OTLPInsecure: true,
		MetricsPath:  "/metrics",
	}
}

// Telemetry owns the process-wide tracer and meter providers.
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry
	handler        http.Handler
}

// Setup builds the providers and installs them as the otel globals.
func Setup(ctx context.Context, cfg Config, logger *core.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	logger = logger.With(map[string]interface{}{"component": "telemetry"})
	if cfg.ServiceName == "" {
		cfg.ServiceName = "callrelay"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tp, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, err
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		meterProvider:  mp,
		registry:       registry,
		handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource, logger *core.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("tracing initialized", "exporter", "otlp", "endpoint", endpoint)
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	if cfg.StdoutTraces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("tracing initialized", "exporter", "stdout")
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	}

	logger.Debug("tracing without exporter")
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

// MetricsPath is where Handler should be mounted.
func (t *Telemetry) MetricsPath() string {
	return t.config.MetricsPath
}

// Handler serves the Prometheus exposition.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracerProvider.Tracer(instrumentationName)
}

func (t *Telemetry) Meter() metric.Meter {
	return t.meterProvider.Meter(instrumentationName)
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
