package agent

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "scribe/agent"

var (
	metricsOnce      sync.Once
	turnCounter      metric.Int64Counter
	turnErrorCounter metric.Int64Counter
	toolCallCounter  metric.Int64Counter
	turnLatencyMs    metric.Float64Histogram
	llmLatencyMs     metric.Float64Histogram
	toolLatencyMs    metric.Float64Histogram
	tokenCounter     metric.Int64Counter
)

// initMetrics registers instruments on the global meter provider. With
// no SDK installed they are no-ops.
func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)
		turnCounter, _ = meter.Int64Counter("scribe.agent.turn.count")
		turnErrorCounter, _ = meter.Int64Counter("scribe.agent.turn.error.count")
		toolCallCounter, _ = meter.Int64Counter("scribe.agent.tool.call.count")
		turnLatencyMs, _ = meter.Float64Histogram("scribe.agent.turn.latency_ms")
		llmLatencyMs, _ = meter.Float64Histogram("scribe.agent.llm.latency_ms")
		toolLatencyMs, _ = meter.Float64Histogram("scribe.agent.tool.latency_ms")
		tokenCounter, _ = meter.Int64Counter("scribe.agent.tokens")
	})
}
