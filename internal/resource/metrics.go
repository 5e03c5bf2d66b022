package resource

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce   sync.Once
	resourceFetch metric.Int64Counter
	resourceHits  metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/chinmina-gallery/internal/resource")

		var err error
		resourceFetch, err = meter.Int64Counter(
			"resource.fetches",
			metric.WithDescription("Resource fetches by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		resourceHits, err = meter.Int64Counter(
			"resource.hits",
			metric.WithDescription("Gets served from a ready entry"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordFetch(ctx context.Context, outcome string) {
	if resourceFetch != nil {
		resourceFetch.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource.fetch.outcome", outcome),
		))
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("resource.fetch", trace.WithAttributes(
			attribute.String("resource.fetch.outcome", outcome),
		))
	}
}

func recordHit(ctx context.Context) {
	if resourceHits != nil {
		resourceHits.Add(ctx, 1)
	}
}
