package schema

import (
	"time"

	"github.com/coachpo/pricewatch/errs"
)

// QuoteSource identifies the path a quote arrived through.
type QuoteSource string

const (
	// SourceStream marks quotes delivered by the streaming transport.
	SourceStream QuoteSource = "stream"
	// SourcePoll marks quotes pulled by the polling scheduler.
	SourcePoll QuoteSource = "poll"
	// SourceLookup marks the initial price lookup performed on add.
	SourceLookup QuoteSource = "lookup"
)

// Quote is a price observation for one symbol. Optional fields are nil when the source omitted them.
type Quote struct {
	Symbol        string      `json:"symbol"`
	Price         float64     `json:"price"`
	High          *float64    `json:"high,omitempty"`
	Low           *float64    `json:"low,omitempty"`
	Open          *float64    `json:"open,omitempty"`
	PreviousClose *float64    `json:"previousClose,omitempty"`
	Change        *float64    `json:"change,omitempty"`
	PercentChange *float64    `json:"percentChange,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Source        QuoteSource `json:"source"`
}

// Validate rejects quotes that cannot be applied.
func (q Quote) Validate() error {
	if q.Price <= 0 {
		return errs.Invalid("schema/quote", "price must be positive", errs.WithSymbol(q.Symbol))
	}
	for _, v := range []*float64{q.High, q.Low, q.Open, q.PreviousClose} {
		if v != nil && *v < 0 {
			return errs.Invalid("schema/quote", "negative price field", errs.WithSymbol(q.Symbol))
		}
	}
	return nil
}

// Float returns a pointer to v, for populating optional quote fields.
func Float(v float64) *float64 { return &v }

// PositiveFloat returns a pointer to v, or nil when v is not positive.
func PositiveFloat(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}
