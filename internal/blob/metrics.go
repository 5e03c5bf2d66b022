package blob

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce sync.Once
	liveHandles metric.Int64UpDownCounter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/chinmina-gallery/internal/blob")

		var err error
		liveHandles, err = meter.Int64UpDownCounter(
			"blob.handles.live",
			metric.WithDescription("Handles minted and not yet revoked"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordMinted() {
	initMetrics()
	if liveHandles == nil {
		return
	}
	liveHandles.Add(context.Background(), 1)
}

func recordRevoked() {
	initMetrics()
	if liveHandles == nil {
		return
	}
	liveHandles.Add(context.Background(), -1)
}
