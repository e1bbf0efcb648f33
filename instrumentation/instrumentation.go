package instrumentation

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "requestgate"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/requestgate/"
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterStdout     = "stdout"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service, default "requestgate"
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// LogClientIPs controls whether client IPs are attached to spans.
	// Client IPs may be personal data in some jurisdictions.
	LogClientIPs bool

	// MetricsExporter is "prometheus" or "none" (default).
	MetricsExporter string

	// TracesExporter is "stdout" or "none" (default).
	TracesExporter string

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// registry is set only with the prometheus metrics exporter
	registry *prometheus.Registry

	metrics *Metrics

	// registered during New only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}
	if config.MetricsExporter == "" {
		config.MetricsExporter = ExporterNone
	}
	if config.TracesExporter == "" {
		config.TracesExporter = ExporterNone
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case ExporterPrometheus:
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.registry = reg
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	case ExporterNone:
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	switch i.config.TracesExporter {
	case ExporterStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(i.resource),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	case ExporterNone:
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	return nil
}

// Shutdown flushes and stops the providers. Only the first call has effect.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("gate", "storage", ...).
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses may be attached to spans.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// Registry returns the Prometheus registry, nil unless the prometheus
// exporter is active.
func (i *Instrumentation) Registry() *prometheus.Registry {
	return i.registry
}

// PrometheusHandler serves the registry for scraping. Without the prometheus
// exporter it answers 404.
func (i *Instrumentation) PrometheusHandler() http.Handler {
	if i.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(i.registry, promhttp.HandlerOpts{})
}

// SizeCallback returns the current size of a store.
type SizeCallback func() int64

// RegisterBlockListSize reports the number of active block entries as the
// requestgate.blocks.active gauge.
func (i *Instrumentation) RegisterBlockListSize(storageType string, size SizeCallback) error {
	if size == nil {
		return fmt.Errorf("size callback is nil")
	}
	meter := i.Meter("storage")
	attrs := metric.WithAttributes(attrStorageType.String(storageType))
	_, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			observer.ObserveInt64(i.metrics.BlocksActive, size(), attrs)
			return nil
		},
		i.metrics.BlocksActive,
	)
	return err
}
