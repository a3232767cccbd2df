package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"vipps-payments/logging"
)

var (
	// OpenTelemetry metrics
	PaymentOperations    metric.Int64Counter
	PaymentAmount        metric.Int64Histogram
	UpstreamCallDuration metric.Float64Histogram
	TokenRefreshes       metric.Int64Counter
	HTTPServerDuration   metric.Float64Histogram
)

func init() {
	// No-op instruments until InitMeter replaces them.
	_ = registerInstruments(noop.NewMeterProvider().Meter("vipps-payments"))
}

// InitTracer initializes OpenTelemetry tracing. Spans are only exported when
// export is true.
func InitTracer(serviceName, endpoint string, export bool) (*sdktrace.TracerProvider, trace.Tracer, error) {
	ctx := context.Background()

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if export {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	tracer := tp.Tracer(serviceName)

	logging.Info("Tracing initialized", zap.String("service_name", serviceName), zap.Bool("otlp_export", export))

	return tp, tracer, nil
}

// InitMeter initializes OpenTelemetry metrics. Metrics are always readable
// through the returned Prometheus handler; they are additionally pushed over
// OTLP when export is true.
func InitMeter(serviceName, endpoint string, export bool) (*sdkmetric.MeterProvider, http.Handler, error) {
	ctx := context.Background()

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	}

	if export {
		metricExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)

	otel.SetMeterProvider(mp)

	if err := registerInstruments(mp.Meter(serviceName)); err != nil {
		return nil, nil, err
	}

	logging.Info("Metrics initialized", zap.String("endpoint", endpoint), zap.Bool("otlp_export", export))

	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
}

func registerInstruments(meter metric.Meter) error {
	var err error

	PaymentOperations, err = meter.Int64Counter(
		"payment_operations_total",
		metric.WithDescription("Total number of payment operations forwarded to Vipps"),
	)
	if err != nil {
		return err
	}

	PaymentAmount, err = meter.Int64Histogram(
		"payment_amount_ore",
		metric.WithDescription("Payment amounts in øre (NOK minor units)"),
	)
	if err != nil {
		return err
	}

	UpstreamCallDuration, err = meter.Float64Histogram(
		"vipps_upstream_duration_seconds",
		metric.WithDescription("Duration of Vipps API calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	TokenRefreshes, err = meter.Int64Counter(
		"vipps_token_refresh_total",
		metric.WithDescription("Access token requests issued to Vipps"),
	)
	if err != nil {
		return err
	}

	HTTPServerDuration, err = meter.Float64Histogram(
		"http_server_duration_milliseconds",
		metric.WithDescription("HTTP server request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}
