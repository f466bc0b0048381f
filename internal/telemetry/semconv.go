package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by pricewatch instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrSource      = attribute.Key("quote.source")
	AttrReason      = attribute.Key("reason")
	AttrResult      = attribute.Key("result")
	AttrDirection   = attribute.Key("alert.direction")
	AttrStatus      = attribute.Key("connection.status")
)

// Instrument names.
const (
	MetricQuotesApplied    = "pricewatch_quotes_applied"
	MetricQuotesDropped    = "pricewatch_quotes_dropped"
	MetricQuoteAge         = "pricewatch_quote_age"
	MetricAlertsDispatched = "pricewatch_alerts_dispatched"
	MetricAlertsFailed     = "pricewatch_alerts_failed"
	MetricStreamAttempts   = "pricewatch_stream_attempts"
	MetricCircuitTrips     = "pricewatch_stream_circuit_trips"
	MetricPollFetches      = "pricewatch_poll_fetches"
	MetricPollDuration     = "pricewatch_poll_duration"
	MetricStateSaves       = "pricewatch_state_saves"
)
