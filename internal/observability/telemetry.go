// Package observability provides logging, metrics, and tracing capabilities
package observability

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Telemetry provides unified observability for the enrichment service
type Telemetry struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	metrics      *Metrics
	config       Config
	shutdownOnce sync.Once
	shutdownFns  []func(context.Context) error
}

// Config configures telemetry
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	// Tracing
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`
}

// New creates a new Telemetry instance
func New(cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		config: cfg,
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	t.logger = logger

	if cfg.TracingEnabled {
		if err := t.initTracer(); err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	t.metrics = NewMetrics()

	return t, nil
}

// NewLogger builds the service logger: JSON with ISO8601 timestamps, or
// colored console output.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var config zap.Config

	if cfg.LogFormat == "console" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.LogLevel))

	config.InitialFields = map[string]interface{}{
		"service":     cfg.ServiceName,
		"version":     cfg.ServiceVersion,
		"environment": cfg.Environment,
	}

	return config.Build()
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// initTracer initializes OpenTelemetry tracing
func (t *Telemetry) initTracer() error {
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(t.config.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(t.config.ServiceName),
			semconv.ServiceVersion(t.config.ServiceVersion),
			attribute.String("environment", t.config.Environment),
		),
	)
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.config.SamplingRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)

	return nil
}

// Logger returns the logger
func (t *Telemetry) Logger() *zap.Logger {
	return t.logger
}

// Tracer returns the tracer
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Metrics returns the metrics
func (t *Telemetry) Metrics() *Metrics {
	return t.metrics
}

// MetricsHandler returns the Prometheus exposition handler for the service registry
func (t *Telemetry) MetricsHandler() http.Handler {
	return t.metrics.Handler()
}

// StartSystemMetricsCollector starts collecting system metrics
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				t.metrics.MemoryUsage.Set(float64(m.Alloc))
			}
		}
	}()
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		for _, fn := range t.shutdownFns {
			if e := fn(ctx); e != nil {
				err = e
			}
		}
		t.logger.Sync()
	})
	return err
}
