package store

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type storeMetrics struct {
	pushes            metric.Int64Counter
	fanout            metric.Int64Histogram
	subscribers       metric.Int64UpDownCounter
	droppedDeliveries metric.Int64Counter
	rooms             metric.Int64UpDownCounter
	streams           metric.Int64UpDownCounter
}

var (
	metricsOnce sync.Once
	metricsInst *storeMetrics
)

// metrics lazily creates the store instruments from the global meter
// provider, so they bind to whatever provider the binary installed.
func metrics() *storeMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("driftdb.store")
		m := new(storeMetrics)
		m.pushes, _ = meter.Int64Counter("driftdb.stream.pushes",
			metric.WithDescription("Number of values pushed to streams"),
			metric.WithUnit("{value}"))
		m.fanout, _ = meter.Int64Histogram("driftdb.stream.fanout.size",
			metric.WithDescription("Number of subscribers per fan-out"),
			metric.WithUnit("{subscriber}"))
		m.subscribers, _ = meter.Int64UpDownCounter("driftdb.stream.subscribers",
			metric.WithDescription("Number of active stream subscriptions"),
			metric.WithUnit("{subscriber}"))
		m.droppedDeliveries, _ = meter.Int64Counter("driftdb.stream.delivery.dropped",
			metric.WithDescription("Number of subscribers dropped due to backpressure"),
			metric.WithUnit("{subscriber}"))
		m.rooms, _ = meter.Int64UpDownCounter("driftdb.rooms",
			metric.WithDescription("Number of live rooms"),
			metric.WithUnit("{room}"))
		m.streams, _ = meter.Int64UpDownCounter("driftdb.streams",
			metric.WithDescription("Number of live streams"),
			metric.WithUnit("{stream}"))
		metricsInst = m
	})
	return metricsInst
}
