package server

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type serverMetrics struct {
	connections    metric.Int64UpDownCounter
	inbound        metric.Int64Counter
	protocolErrors metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *serverMetrics
)

func metrics() *serverMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("driftdb.server")
		m := new(serverMetrics)
		m.connections, _ = meter.Int64UpDownCounter("driftdb.connections",
			metric.WithDescription("Number of open websocket connections"),
			metric.WithUnit("{connection}"))
		m.inbound, _ = meter.Int64Counter("driftdb.messages.inbound",
			metric.WithDescription("Number of inbound client messages"),
			metric.WithUnit("{message}"))
		m.protocolErrors, _ = meter.Int64Counter("driftdb.messages.errors",
			metric.WithDescription("Number of inbound messages rejected as malformed or invalid"),
			metric.WithUnit("{message}"))
		metricsInst = m
	})
	return metricsInst
}
