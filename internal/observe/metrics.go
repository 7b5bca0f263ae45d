// Package observe provides the device's OpenTelemetry metrics. A Prometheus
// exporter bridge is installed by [InitProvider] so the status server can
// serve them on /metrics. Tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kitmage/jarvipy"

// Metrics holds all metric instruments. All fields are safe for concurrent use.
type Metrics struct {
	// Transitions counts state changes. Attributes: from, to, reason.
	Transitions metric.Int64Counter

	// AnnounceDecisions counts gate outcomes. Attribute: reason.
	AnnounceDecisions metric.Int64Counter

	// LLMFirstLatency is t_llm_first - t_start per turn.
	LLMFirstLatency metric.Float64Histogram

	// TTSStartLatency is t_tts_start - t_start per turn.
	TTSStartLatency metric.Float64Histogram

	// BargeInHaltLatency is the time from speech detection to silenced output.
	BargeInHaltLatency metric.Float64Histogram

	// PresenceSamples counts presence re-checks. Attribute: qualifies.
	PresenceSamples metric.Int64Counter

	// Turns counts finished conversation turns. Attribute: interrupted.
	Turns metric.Int64Counter

	// RecorderDrops counts events the store recorder could not queue.
	RecorderDrops metric.Int64Counter

	// LogDrops counts log lines the non-blocking log writer discarded.
	LogDrops metric.Int64Counter

	// ActiveSessions is 1 while a conversation is running.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets are in seconds and cover the barge-in and first-audio budgets.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2.5, 5, 10,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMFirstLatency, err = m.Float64Histogram("jarvipy.turn.llm_first",
		metric.WithDescription("Latency from transcript handoff to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSStartLatency, err = m.Float64Histogram("jarvipy.turn.tts_start",
		metric.WithDescription("Latency from transcript handoff to first audible playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInHaltLatency, err = m.Float64Histogram("jarvipy.bargein.halt_latency",
		metric.WithDescription("Latency from speech-start detection to halted playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transitions, err = m.Int64Counter("jarvipy.state.transitions",
		metric.WithDescription("State transitions by from, to and reason."),
	); err != nil {
		return nil, err
	}
	if met.AnnounceDecisions, err = m.Int64Counter("jarvipy.announce.decisions",
		metric.WithDescription("Announce gate decisions by reason."),
	); err != nil {
		return nil, err
	}
	if met.PresenceSamples, err = m.Int64Counter("jarvipy.presence.samples",
		metric.WithDescription("Presence re-checks by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("jarvipy.conversation.turns",
		metric.WithDescription("Finished conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.RecorderDrops, err = m.Int64Counter("jarvipy.recorder.drops",
		metric.WithDescription("Events dropped because the recorder queue was full."),
	); err != nil {
		return nil, err
	}
	if met.LogDrops, err = m.Int64Counter("jarvipy.log.drops",
		metric.WithDescription("Log lines dropped by the non-blocking writer."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("jarvipy.active_sessions",
		metric.WithDescription("Number of running conversation sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Call it after [InitProvider].
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

func (m *Metrics) RecordTransition(ctx context.Context, from, to, reason string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

func (m *Metrics) RecordAnnounce(ctx context.Context, reason string) {
	m.AnnounceDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTurn records both turn latencies measured from tStart.
func (m *Metrics) RecordTurn(ctx context.Context, tStart, tLLMFirst, tTTSStart time.Time, interrupted bool) {
	m.LLMFirstLatency.Record(ctx, tLLMFirst.Sub(tStart).Seconds())
	m.TTSStartLatency.Record(ctx, tTTSStart.Sub(tStart).Seconds())
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("interrupted", interrupted)))
}

func (m *Metrics) RecordBargeIn(ctx context.Context, halt time.Duration) {
	m.BargeInHaltLatency.Record(ctx, halt.Seconds())
}

func (m *Metrics) RecordPresence(ctx context.Context, qualifies bool) {
	m.PresenceSamples.Add(ctx, 1, metric.WithAttributes(attribute.String("qualifies", strconv.FormatBool(qualifies))))
}
