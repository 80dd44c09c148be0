// Package observe provides application-wide observability primitives for
// VoxDraft: OpenTelemetry metrics and the Prometheus exporter bridge that
// serves them on /metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoxDraft metrics.
const meterName = "github.com/voxdraft/voxdraft"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RefreshDuration tracks one full design-state refresh (extraction plus
	// instruction update). Use with attribute:
	//   attribute.String("status", ...)
	RefreshDuration metric.Float64Histogram

	// LLMDuration tracks individual LLM completion latency. Use with attribute:
	//   attribute.String("stage", "extract"|"instructions")
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsPersisted counts completed conversation turns written to the
	// store. Use with attribute: attribute.String("speaker", ...)
	TurnsPersisted metric.Int64Counter

	// RefreshResults counts refresh outcomes. Use with attribute:
	//   attribute.String("status", "ok"|"parse_error"|"llm_error"|"store_error")
	RefreshResults metric.Int64Counter

	// InstructionRefreshes counts instruction-refresh outcomes. Use with
	// attribute: attribute.String("outcome", "changed"|"unchanged")
	InstructionRefreshes metric.Int64Counter

	// VoiceEvents counts events received from the voice service. Use with
	// attribute: attribute.String("kind", ...)
	VoiceEvents metric.Int64Counter

	// VoiceCommands counts recognised spoken commands. Use with attribute:
	//   attribute.String("command", ...)
	VoiceCommands metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice conversations.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// hosted LLM and speech-service round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RefreshDuration, err = m.Float64Histogram("voxdraft.refresh.duration",
		metric.WithDescription("Latency of one full design-state refresh."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxdraft.llm.duration",
		metric.WithDescription("Latency of individual LLM completions by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxdraft.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsPersisted, err = m.Int64Counter("voxdraft.turns.persisted",
		metric.WithDescription("Total completed conversation turns persisted, by speaker."),
	); err != nil {
		return nil, err
	}
	if met.RefreshResults, err = m.Int64Counter("voxdraft.refresh.results",
		metric.WithDescription("Total design-state refresh outcomes by status."),
	); err != nil {
		return nil, err
	}
	if met.InstructionRefreshes, err = m.Int64Counter("voxdraft.instructions.refreshes",
		metric.WithDescription("Total instruction-refresh outcomes (changed vs. unchanged)."),
	); err != nil {
		return nil, err
	}
	if met.VoiceEvents, err = m.Int64Counter("voxdraft.voice.events",
		metric.WithDescription("Total voice-service events received, by kind."),
	); err != nil {
		return nil, err
	}
	if met.VoiceCommands, err = m.Int64Counter("voxdraft.voice.commands",
		metric.WithDescription("Total spoken commands recognised, by command."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxdraft.active_sessions",
		metric.WithDescription("Number of live voice conversations."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordRefresh records one full refresh cycle with its duration and status.
func (m *Metrics) RecordRefresh(ctx context.Context, seconds float64, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.RefreshDuration.Record(ctx, seconds, attrs)
	m.RefreshResults.Add(ctx, 1, attrs)
}

// RecordLLMCall records the latency of a single completion by stage.
func (m *Metrics) RecordLLMCall(ctx context.Context, seconds float64, stage string) {
	m.LLMDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn records a persisted conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.TurnsPersisted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordInstructionRefresh records an instruction-refresh outcome.
func (m *Metrics) RecordInstructionRefresh(ctx context.Context, outcome string) {
	m.InstructionRefreshes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVoiceEvent records one received voice-service event.
func (m *Metrics) RecordVoiceEvent(ctx context.Context, kind string) {
	m.VoiceEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordHTTPRequest records the latency of one served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, seconds float64, method, route string, status int) {
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// RecordVoiceCommand records one recognised spoken command.
func (m *Metrics) RecordVoiceCommand(ctx context.Context, command string) {
	m.VoiceCommands.Add(ctx, 1,
		metric.WithAttributes(attribute.String("command", command)))
}
