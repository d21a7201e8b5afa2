package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Easy-Infra-Ltd/easy-guard/src/config"
	"github.com/Easy-Infra-Ltd/easy-guard/src/sanitizer"
)

const namespace = "easyguard"

const instrumentation = "github.com/Easy-Infra-Ltd/easy-guard"

var scanBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Provider owns the metrics registry and the trace exporter. A nil Provider
// is valid and records nothing.
type Provider struct {
	registry       *prometheus.Registry
	handler        http.Handler
	tracerProvider *sdktrace.TracerProvider
	shutdownFuncs  []func(context.Context) error

	scanDuration *prometheus.HistogramVec
	verdicts     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// Setup returns nil when both metrics and tracing are disabled.
func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	service := cfg.ServiceName
	if service == "" {
		service = "easy-guard"
	}

	p := &Provider{}

	if cfg.EnableOTLP {
		res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
		if err != nil {
			return nil, err
		}
		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(grpcOptions(cfg.OTLPEndpoint)...))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		if err := p.registerMetrics(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// NewMetrics returns a Provider with metrics only, registered on a fresh
// registry.
func NewMetrics() (*Provider, error) {
	p := &Provider{}
	if err := p.registerMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func grpcOptions(raw string) []otlptracegrpc.Option {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	var opts []otlptracegrpc.Option
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		opts = append(opts, otlptracegrpc.WithInsecure())
	default:
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return append(opts, otlptracegrpc.WithEndpoint(endpoint))
}

func (p *Provider) registerMetrics() error {
	registry := prometheus.NewRegistry()

	p.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scanner_duration_seconds",
			Help:      "Duration of individual scanner runs.",
			Buckets:   scanBuckets,
		},
		[]string{"direction", "scanner", "status"},
	)
	p.verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Pipeline verdicts by outcome.",
		},
		[]string{"direction", "valid", "early_exit"},
	)
	p.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	p.httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   scanBuckets,
		},
		[]string{"method", "route", "status"},
	)

	for _, c := range []prometheus.Collector{p.scanDuration, p.verdicts, p.httpRequests, p.httpLatency} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	p.registry = registry
	p.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return nil
}

// Handler serves the metrics registry, or nil when metrics are disabled.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return nil
	}
	return p.handler
}

// Registry is nil when metrics are disabled.
func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Tracer returns a tracer from the global provider, which Setup replaces when
// OTLP export is enabled.
func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) ObserveScan(direction sanitizer.Direction, scanner, status string, elapsed time.Duration) {
	if p == nil || p.scanDuration == nil {
		return
	}
	p.scanDuration.WithLabelValues(string(direction), scanner, status).Observe(elapsed.Seconds())
}

func (p *Provider) ObserveVerdict(v sanitizer.Verdict) {
	if p == nil || p.verdicts == nil {
		return
	}
	p.verdicts.WithLabelValues(string(v.Direction), strconv.FormatBool(v.Valid), strconv.FormatBool(v.EarlyExit)).Inc()
}

func (p *Provider) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if p == nil || p.httpRequests == nil {
		return
	}
	label := strconv.Itoa(status)
	p.httpRequests.WithLabelValues(method, route, label).Inc()
	p.httpLatency.WithLabelValues(method, route, label).Observe(duration.Seconds())
}

var _ sanitizer.Observer = (*Provider)(nil)
