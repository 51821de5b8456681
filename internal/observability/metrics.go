package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "onramp"

var (
	metricsOnce sync.Once

	ordersCreatedCounter       metric.Int64Counter
	quotesIssuedCounter        metric.Int64Counter
	identityResolutionsCounter metric.Int64Counter
)

func initCounters() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)
		if counter, err := meter.Int64Counter("onramp_orders_created_total",
			metric.WithDescription("Total orders created by the workflow"),
			metric.WithUnit("{order}")); err == nil {
			ordersCreatedCounter = counter
		}
		if counter, err := meter.Int64Counter("onramp_quotes_issued_total",
			metric.WithDescription("Total price quotes issued"),
			metric.WithUnit("{quote}")); err == nil {
			quotesIssuedCounter = counter
		}
		if counter, err := meter.Int64Counter("onramp_identity_resolutions_total",
			metric.WithDescription("Total anonymous identity resolutions"),
			metric.WithUnit("{resolution}")); err == nil {
			identityResolutionsCounter = counter
		}
	})
}

// RecordOrderCreated counts a successful order creation per base/asset pair.
func RecordOrderCreated(ctx context.Context, base, asset string) {
	initCounters()
	if ordersCreatedCounter == nil {
		return
	}
	ordersCreatedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("base", base),
		attribute.String("asset", asset),
	))
}

// RecordQuoteIssued counts an issued quote per base/asset pair.
func RecordQuoteIssued(ctx context.Context, base, asset string) {
	initCounters()
	if quotesIssuedCounter == nil {
		return
	}
	quotesIssuedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("base", base),
		attribute.String("asset", asset),
	))
}

// RecordIdentityResolution counts an anonymous identity resolution with its
// source: "cache" for in-process hits, "store" for database round-trips.
func RecordIdentityResolution(ctx context.Context, source string) {
	initCounters()
	if identityResolutionsCounter == nil {
		return
	}
	identityResolutionsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
	))
}
