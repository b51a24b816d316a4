// Package observe provides Willow's observability primitives: OpenTelemetry
// metric instruments bridged to a Prometheus /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Willow metrics.
const meterName = "github.com/gong8/willow"

// Metrics holds the metric instruments for the engine. All fields are safe
// for concurrent use — the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// TurnDuration tracks wall time of one full agentic turn.
	TurnDuration metric.Float64Histogram

	// AgentRunDuration tracks sub-agent process lifetime. Use with attribute:
	//   attribute.String("agent", ...)
	AgentRunDuration metric.Float64Histogram

	// StreamEvents counts events fanned out by the stream manager. Use with:
	//   attribute.String("event", ...)
	StreamEvents metric.Int64Counter

	// ToolCalls counts sub-agent tool invocations observed on streams. Use with:
	//   attribute.String("phase", ...)
	ToolCalls metric.Int64Counter

	// Commits counts graph commits by source. Use with:
	//   attribute.String("source", ...)
	Commits metric.Int64Counter

	// MaintenanceFindings counts findings per maintenance run. Use with:
	//   attribute.String("kind", ...)
	MaintenanceFindings metric.Int64Counter

	// ActiveStreams tracks the number of in-flight generation streams.
	ActiveStreams metric.Int64UpDownCounter
}

// turnBuckets defines histogram boundaries (seconds) sized for agentic turns
// rather than request latencies.
var turnBuckets = []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("willow.turn.duration",
		metric.WithDescription("Wall time of one agentic turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentRunDuration, err = m.Float64Histogram("willow.agent.duration",
		metric.WithDescription("Sub-agent process lifetime by agent role."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(turnBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamEvents, err = m.Int64Counter("willow.stream.events",
		metric.WithDescription("Stream events fanned out, by event name."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("willow.tool.calls",
		metric.WithDescription("Tool invocations observed on streams, by phase."),
	); err != nil {
		return nil, err
	}
	if met.Commits, err = m.Int64Counter("willow.graph.commits",
		metric.WithDescription("Graph commits by attribution source."),
	); err != nil {
		return nil, err
	}
	if met.MaintenanceFindings, err = m.Int64Counter("willow.maintenance.findings",
		metric.WithDescription("Maintenance findings by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("willow.stream.active",
		metric.WithDescription("In-flight generation streams."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
