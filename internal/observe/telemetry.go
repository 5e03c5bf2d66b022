package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/config"
	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type ShutdownFunc func(context.Context) error

func noShutdown(context.Context) error { return nil }

// Configure sets the global OpenTelemetry providers and propagators. The
// returned function flushes and stops the providers.
func Configure(ctx context.Context, cfg config.ObserveConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		log.Info().Msg("telemetry: disabled")
		return noShutdown, nil
	}

	configureOtelLogging(cfg)

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithTelemetrySDK(),
		sdkresource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource creation failed: %w", err)
	}

	var shutdowns []ShutdownFunc
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
	)
	otel.SetTracerProvider(tracerProvider)
	shutdowns = append(shutdowns, tracerProvider.Shutdown)

	if cfg.MetricsEnabled {
		metricExporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, errors.Join(err, shutdown(ctx))
		}
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second),
			)),
		)
		otel.SetMeterProvider(meterProvider)
		shutdowns = append(shutdowns, meterProvider.Shutdown)
	}

	log.Info().
		Str("type", cfg.Type).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry: configured")

	return shutdown, nil
}

func newTraceExporter(ctx context.Context, cfg config.ObserveConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "grpc":
		return otlptracegrpc.New(ctx)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported telemetry type %q", cfg.Type)
	}
}

func newMetricExporter(ctx context.Context, cfg config.ObserveConfig) (sdkmetric.Exporter, error) {
	switch cfg.Type {
	case "grpc":
		return otlpmetricgrpc.New(ctx)
	case "stdout":
		return stdoutmetric.New()
	default:
		return nil, fmt.Errorf("unsupported telemetry type %q", cfg.Type)
	}
}

// configureOtelLogging routes the SDK's internal logging and error handling
// through zerolog.
func configureOtelLogging(cfg config.ObserveConfig) {
	level, err := zerolog.ParseLevel(cfg.SDKLogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	otelLog := log.Logger.With().Str("component", "otel").Logger().Level(level)

	var logger logr.Logger = zerologr.New(&otelLog)
	otel.SetLogger(logger)

	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		otelLog.Warn().Err(err).Msg("telemetry: SDK error")
	}))
}

// HTTPTransport wraps an outgoing transport with tracing and, optionally,
// connection-level trace events.
func HTTPTransport(wrapped http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return wrapped
	}

	var opts []otelhttp.Option
	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}))
	}

	return otelhttp.NewTransport(wrapped, opts...)
}
