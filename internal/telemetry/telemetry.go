// Package telemetry wires up structured logging, OpenTelemetry tracing,
// and metrics (exported over OTLP and bridged to Prometheus) for the
// pipeline process. One call to Init per process, before anything else
// runs.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and tears down every telemetry pipe started by Init.
type Shutdown func(context.Context) error

// Init configures the global slog logger plus OTel tracer/meter providers.
// It returns a combined shutdown func and the Prometheus HTTP handler
// (nil if the Prometheus bridge could not be constructed).
func Init(ctx context.Context, service string) (Shutdown, http.Handler) {
	initLogging(service)

	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	traceShutdown := initTracer(ctx, service, res)
	metricShutdown, promHandler := initMeter(service, res)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = traceShutdown(ctx)
		return metricShutdown(ctx)
	}, promHandler
}

func initLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("PIPELINE_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("PIPELINE_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initTracer(ctx context.Context, service string, res *sdkresource.Resource) Shutdown {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func initMeter(service string, res *sdkresource.Resource) (Shutdown, http.Handler) {
	promExporter, err := prometheus.New()
	var readers []sdkmetric.Option
	var handler http.Handler
	if err != nil {
		slog.Warn("prometheus bridge init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExporter))
		handler = promhttp.Handler()
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	otlpExp, err := otlpmetricgrpc.New(context.Background(),
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err == nil {
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExp, sdkmetric.WithInterval(10*time.Second))))
	} else {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	}

	mp := sdkmetric.NewMeterProvider(append(readers, sdkmetric.WithResource(res))...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, handler
}
