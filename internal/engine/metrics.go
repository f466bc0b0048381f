package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pricewatch/internal/telemetry"
)

type engineMetrics struct {
	quotesApplied    metric.Int64Counter
	quotesDropped    metric.Int64Counter
	quoteAge         metric.Float64Histogram
	alertsDispatched metric.Int64Counter
	alertsFailed     metric.Int64Counter
	streamAttempts   metric.Int64Counter
	circuitTrips     metric.Int64Counter
	pollFetches      metric.Int64Counter
	pollDuration     metric.Float64Histogram
	saves            metric.Int64Counter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("pricewatch.engine")
	m := new(engineMetrics)

	m.quotesApplied, _ = meter.Int64Counter(telemetry.MetricQuotesApplied,
		metric.WithDescription("Quotes accepted by the watchlist reducer"),
		metric.WithUnit("{quote}"))
	m.quotesDropped, _ = meter.Int64Counter(telemetry.MetricQuotesDropped,
		metric.WithDescription("Quotes rejected by the watchlist reducer, by reason"),
		metric.WithUnit("{quote}"))
	m.quoteAge, _ = meter.Float64Histogram(telemetry.MetricQuoteAge,
		metric.WithDescription("Age of accepted quotes relative to their source timestamp"),
		metric.WithUnit("ms"))
	m.alertsDispatched, _ = meter.Int64Counter(telemetry.MetricAlertsDispatched,
		metric.WithDescription("Threshold crossing notifications delivered"),
		metric.WithUnit("{alert}"))
	m.alertsFailed, _ = meter.Int64Counter(telemetry.MetricAlertsFailed,
		metric.WithDescription("Threshold crossing notifications that could not be delivered"),
		metric.WithUnit("{alert}"))
	m.streamAttempts, _ = meter.Int64Counter(telemetry.MetricStreamAttempts,
		metric.WithDescription("Stream connection attempts"),
		metric.WithUnit("{attempt}"))
	m.circuitTrips, _ = meter.Int64Counter(telemetry.MetricCircuitTrips,
		metric.WithDescription("Times the stream circuit breaker opened"),
		metric.WithUnit("{trip}"))
	m.pollFetches, _ = meter.Int64Counter(telemetry.MetricPollFetches,
		metric.WithDescription("Per-symbol quote fetches issued by the poller, by result"),
		metric.WithUnit("{fetch}"))
	m.pollDuration, _ = meter.Float64Histogram(telemetry.MetricPollDuration,
		metric.WithDescription("Wall time of one polling pass"),
		metric.WithUnit("ms"))
	m.saves, _ = meter.Int64Counter(telemetry.MetricStateSaves,
		metric.WithDescription("State persistence attempts, by result"),
		metric.WithUnit("{save}"))
	return m
}

func inc(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(telemetry.WithEnvironment(attrs...)...))
}

func observe(hist metric.Float64Histogram, d time.Duration, attrs ...attribute.KeyValue) {
	if hist == nil {
		return
	}
	hist.Record(context.Background(), float64(d)/float64(time.Millisecond), metric.WithAttributes(telemetry.WithEnvironment(attrs...)...))
}

func (m *engineMetrics) quoteApplied(source string, age time.Duration) {
	if m == nil {
		return
	}
	inc(m.quotesApplied, telemetry.AttrSource.String(source))
	if age >= 0 {
		observe(m.quoteAge, age, telemetry.AttrSource.String(source))
	}
}

func (m *engineMetrics) quoteDropped(source string, reason ApplyOutcome) {
	if m == nil {
		return
	}
	inc(m.quotesDropped, telemetry.AttrSource.String(source), telemetry.AttrReason.String(string(reason)))
}

func (m *engineMetrics) alertDispatched(direction AlertDirection) {
	if m == nil {
		return
	}
	inc(m.alertsDispatched, telemetry.AttrDirection.String(string(direction)))
}

func (m *engineMetrics) alertFailed(direction AlertDirection) {
	if m == nil {
		return
	}
	inc(m.alertsFailed, telemetry.AttrDirection.String(string(direction)))
}

func (m *engineMetrics) streamAttempt() {
	if m == nil {
		return
	}
	inc(m.streamAttempts)
}

func (m *engineMetrics) circuitTrip() {
	if m == nil {
		return
	}
	inc(m.circuitTrips)
}

func (m *engineMetrics) pollFetch(result string) {
	if m == nil {
		return
	}
	inc(m.pollFetches, telemetry.AttrResult.String(result))
}

func (m *engineMetrics) pollPass(mode PollMode, d time.Duration) {
	if m == nil {
		return
	}
	observe(m.pollDuration, d, attribute.String("poll.mode", string(mode)))
}

func (m *engineMetrics) save(result string) {
	if m == nil {
		return
	}
	inc(m.saves, telemetry.AttrResult.String(result))
}
