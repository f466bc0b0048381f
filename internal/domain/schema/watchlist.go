// Package schema defines the watchlist, quote and connection types shared by the engine and its collaborators.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/pricewatch/errs"
)

// DefaultHistoryCap bounds PriceHistory when no explicit cap is configured.
const DefaultHistoryCap = 500

// PricePoint is a single accepted price observation.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// WatchedItem is one tracked instrument.
type WatchedItem struct {
	ID               string       `json:"id"`
	Symbol           string       `json:"symbol"`
	DisplayName      string       `json:"displayName"`
	AlertThreshold   float64      `json:"alertThreshold,omitempty"`
	CurrentPrice     float64      `json:"currentPrice"`
	Change           float64      `json:"change"`
	PercentChange    float64      `json:"percentChange"`
	High             float64      `json:"high"`
	Low              float64      `json:"low"`
	Open             float64      `json:"open"`
	PreviousClose    float64      `json:"previousClose"`
	PriceHistory     []PricePoint `json:"priceHistory"`
	IsLoading        bool         `json:"isLoading"`
	LastUpdated      time.Time    `json:"lastUpdated"`
	AlertTriggered   bool         `json:"alertTriggered"`
	AlertTriggeredAt *time.Time   `json:"alertTriggeredAt,omitempty"`
	AddedAt          time.Time    `json:"addedAt"`
}

// HasThreshold reports whether an alert threshold is configured.
func (w WatchedItem) HasThreshold() bool {
	return w.AlertThreshold > 0
}

// Clone returns a deep copy safe to hand outside the serializer.
func (w WatchedItem) Clone() WatchedItem {
	clone := w
	if w.PriceHistory != nil {
		clone.PriceHistory = make([]PricePoint, len(w.PriceHistory))
		copy(clone.PriceHistory, w.PriceHistory)
	}
	if w.AlertTriggeredAt != nil {
		at := *w.AlertTriggeredAt
		clone.AlertTriggeredAt = &at
	}
	return clone
}

// NormalizeSymbol canonicalises a user or wire supplied symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// ValidateSymbol ensures the symbol is usable as a watchlist key.
func ValidateSymbol(symbol string) error {
	normalized := NormalizeSymbol(symbol)
	if normalized == "" {
		return errs.Invalid("schema/symbol", "symbol required")
	}
	if len(normalized) > 32 {
		return errs.Invalid("schema/symbol", "symbol too long", errs.WithSymbol(normalized))
	}
	if strings.ContainsAny(normalized, " \t\r\n") {
		return errs.Invalid("schema/symbol", "symbol must not contain whitespace", errs.WithSymbol(normalized))
	}
	return nil
}

// ValidateThreshold ensures a user supplied alert threshold is usable.
func ValidateThreshold(symbol string, threshold float64) error {
	if threshold <= 0 {
		return errs.Invalid("schema/threshold", "alert threshold must be positive", errs.WithSymbol(symbol))
	}
	return nil
}

// Settings carries user preferences persisted alongside the watchlist.
type Settings struct {
	LiveMode     bool          `json:"liveMode"`
	NotifyOnDrop bool          `json:"notifyOnDrop"`
	PollInterval time.Duration `json:"pollInterval,omitempty"`
}

// DefaultSettings returns the settings used for a fresh installation.
func DefaultSettings() Settings {
	return Settings{
		LiveMode:     true,
		NotifyOnDrop: false,
		PollInterval: 0,
	}
}
