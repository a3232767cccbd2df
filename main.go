package main

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"vipps-payments/config"
	"vipps-payments/handlers"
	"vipps-payments/logging"
	"vipps-payments/monitoring"
	"vipps-payments/registry"
	"vipps-payments/service"
	"vipps-payments/vipps"
)

func main() {
	// Load configuration
	cfg := config.Load()

	otlpEndpoint := ""
	if cfg.TelemetryEnabled {
		otlpEndpoint = cfg.OTELEndpoint
	}

	// Initialize structured logging
	if err := logging.InitLogger(cfg.ServiceName, otlpEndpoint); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logging.Sync()
	defer func() {
		if err := logging.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down logger provider", zap.Error(err))
		}
	}()

	if err := cfg.Validate(); err != nil {
		logging.Fatal("Invalid configuration", zap.Error(err))
	}

	// Initialize OpenTelemetry
	tp, tracer, err := monitoring.InitTracer(cfg.ServiceName, cfg.OTELEndpoint, cfg.TelemetryEnabled)
	if err != nil {
		logging.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, metricsHandler, err := monitoring.InitMeter(cfg.ServiceName, cfg.OTELEndpoint, cfg.TelemetryEnabled)
	if err != nil {
		logging.Fatal("Failed to initialize meter", zap.Error(err))
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			logging.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Initialize service layer
	vippsClient := vipps.NewClient(cfg.Vipps)
	paymentService := service.NewPaymentService(tracer, vippsClient, registry.New(), cfg.PublicBaseURL)

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(paymentService)

	// Setup Gin router
	r := gin.Default()

	// OpenTelemetry middleware
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(httpMetricsMiddleware())

	// Routes
	paymentHandler.Register(r)
	r.GET("/metrics", gin.WrapH(metricsHandler))

	// The demo pages are optional; serve them when present.
	if handlers.RegisterPages(r, cfg.StaticDir) {
		logging.Info("Serving static pages", zap.String("dir", cfg.StaticDir))
	}

	// Start server
	logging.Info("Vipps payments service starting",
		zap.String("port", cfg.Port),
		zap.String("payment_api", cfg.Vipps.PaymentAPIURL),
	)
	if err := r.Run(":" + cfg.Port); err != nil {
		logging.Fatal("Failed to start server", zap.Error(err))
	}
}

// httpMetricsMiddleware records HTTP request metrics
func httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Process request
		c.Next()

		// Record duration
		duration := float64(time.Since(start).Milliseconds())

		monitoring.HTTPServerDuration.Record(c.Request.Context(), duration,
			metric.WithAttributes(
				attribute.String("http_method", c.Request.Method),
				attribute.String("http_route", c.FullPath()),
				attribute.String("http_status_code", strconv.Itoa(c.Writer.Status())),
			),
		)
	}
}
