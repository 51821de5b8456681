// Package telemetry configures OpenTelemetry metric export for onramp services.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	apimetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "onramp"

var (
	environmentMu sync.RWMutex
	environment   = "dev"
)

// SetEnvironment records the deployment environment label attached to metrics.
func SetEnvironment(env string) {
	trimmed := strings.TrimSpace(env)
	if trimmed == "" {
		return
	}
	environmentMu.Lock()
	environment = trimmed
	environmentMu.Unlock()
}

// Environment returns the configured deployment environment label.
func Environment() string {
	environmentMu.RLock()
	defer environmentMu.RUnlock()
	return environment
}

// Config controls metric export.
type Config struct {
	// OTLPEndpoint is the collector endpoint; empty disables export.
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"serviceName"`
	// ExportInterval spaces periodic metric pushes.
	ExportInterval time.Duration `yaml:"exportInterval"`
}

// Init configures the global OpenTelemetry meter provider. When no endpoint
// is configured a noop provider is installed and the returned shutdown is a
// no-op.
func Init(ctx context.Context, cfg Config) (apimetric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = defaultServiceName
	}

	if endpoint == "" {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)

	return provider, provider.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	insecure := parsed.Scheme != "https"
	return host, insecure, nil
}
