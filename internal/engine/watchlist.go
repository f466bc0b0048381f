package engine

import (
	"context"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

// DefaultThrottleWindow is the minimum spacing between applied updates per symbol.
const DefaultThrottleWindow = 500 * time.Millisecond

// ApplyOutcome classifies what ApplyQuote did with a quote.
type ApplyOutcome string

const (
	// OutcomeApplied means the quote mutated the item.
	OutcomeApplied ApplyOutcome = "applied"
	// OutcomeUnknownSymbol means the symbol is not watched.
	OutcomeUnknownSymbol ApplyOutcome = "unknown_symbol"
	// OutcomeInvalid means the quote failed validation.
	OutcomeInvalid ApplyOutcome = "invalid"
	// OutcomeStale means the quote is not newer than the last applied one.
	OutcomeStale ApplyOutcome = "stale"
	// OutcomeThrottled means the quote arrived inside the throttle window.
	OutcomeThrottled ApplyOutcome = "throttled"
)

// ApplyResult reports the effect of ApplyQuote.
type ApplyResult struct {
	Outcome ApplyOutcome
	Item    schema.WatchedItem
	Alert   *AlertEvent
	Err     error
}

// Applied reports whether the quote mutated state.
func (r ApplyResult) Applied() bool {
	return r.Outcome == OutcomeApplied
}

// Change describes a mutation committed by the watchlist.
type Change struct {
	Symbol         string
	SymbolsChanged bool
}

// WatchlistOptions configures a Watchlist. A zero ThrottleWindow selects the
// default; a negative one disables throttling.
type WatchlistOptions struct {
	ThrottleWindow time.Duration
	HistoryCap     int
	Clock          Clock
	Logger         *log.Logger
}

// Watchlist owns every WatchedItem. All mutations, whether user commands or
// quotes from the stream and the poller, go through its critical section.
type Watchlist struct {
	mu          sync.Mutex
	items       map[string]*schema.WatchedItem
	order       []string
	lastApplied map[string]time.Time

	throttle   time.Duration
	historyCap int
	now        Clock
	logger     *log.Logger
	alerts     *AlertEvaluator
	metrics    *engineMetrics

	listenerMu sync.RWMutex
	listeners  []func(Change)
}

// NewWatchlist creates an empty watchlist. alerts may be nil to disable evaluation.
func NewWatchlist(opts WatchlistOptions, alerts *AlertEvaluator) *Watchlist {
	throttle := opts.ThrottleWindow
	switch {
	case throttle == 0:
		throttle = DefaultThrottleWindow
	case throttle < 0:
		throttle = 0
	}
	historyCap := opts.HistoryCap
	if historyCap <= 0 {
		historyCap = schema.DefaultHistoryCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "watchlist ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Watchlist{
		items:       make(map[string]*schema.WatchedItem),
		lastApplied: make(map[string]time.Time),
		throttle:    throttle,
		historyCap:  historyCap,
		now:         clockOrDefault(opts.Clock),
		logger:      logger,
		alerts:      alerts,
	}
}

// OnChange registers fn to run after every committed mutation, outside the lock.
func (w *Watchlist) OnChange(fn func(Change)) {
	if fn == nil {
		return
	}
	w.listenerMu.Lock()
	w.listeners = append(w.listeners, fn)
	w.listenerMu.Unlock()
}

func (w *Watchlist) emit(change Change) {
	w.listenerMu.RLock()
	listeners := append([]func(Change)(nil), w.listeners...)
	w.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
}

// Restore replaces the contents with items loaded from storage. Duplicate
// symbols keep the first occurrence.
func (w *Watchlist) Restore(items []schema.WatchedItem) {
	w.mu.Lock()
	w.items = make(map[string]*schema.WatchedItem, len(items))
	w.order = w.order[:0]
	w.lastApplied = make(map[string]time.Time, len(items))
	for _, item := range items {
		symbol := schema.NormalizeSymbol(item.Symbol)
		if _, exists := w.items[symbol]; exists || schema.ValidateSymbol(symbol) != nil {
			continue
		}
		restored := item.Clone()
		restored.Symbol = symbol
		if restored.ID == "" {
			restored.ID = uuid.NewString()
		}
		if len(restored.PriceHistory) > w.historyCap {
			restored.PriceHistory = append([]schema.PricePoint(nil), restored.PriceHistory[len(restored.PriceHistory)-w.historyCap:]...)
		}
		w.items[symbol] = &restored
		w.order = append(w.order, symbol)
	}
	w.mu.Unlock()
}

// Add starts watching symbol. The new item is loading until its first quote.
func (w *Watchlist) Add(symbol, displayName string, threshold float64) (schema.WatchedItem, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if err := schema.ValidateSymbol(symbol); err != nil {
		return schema.WatchedItem{}, err
	}
	if threshold < 0 {
		return schema.WatchedItem{}, schema.ValidateThreshold(symbol, threshold)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = symbol
	}

	w.mu.Lock()
	if _, exists := w.items[symbol]; exists {
		w.mu.Unlock()
		return schema.WatchedItem{}, errs.New("watchlist/add", errs.CodeConflict,
			errs.WithMessage("symbol already watched"), errs.WithSymbol(symbol))
	}
	item := &schema.WatchedItem{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		DisplayName:    name,
		AlertThreshold: threshold,
		IsLoading:      true,
		AddedAt:        w.now(),
		PriceHistory:   []schema.PricePoint{},
	}
	w.items[symbol] = item
	w.order = append(w.order, symbol)
	out := item.Clone()
	w.mu.Unlock()

	w.logger.Printf("watching %s", symbol)
	w.emit(Change{Symbol: symbol, SymbolsChanged: true})
	return out, nil
}

// Remove stops watching symbol.
func (w *Watchlist) Remove(symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	w.mu.Lock()
	if _, exists := w.items[symbol]; !exists {
		w.mu.Unlock()
		return notWatched("watchlist/remove", symbol)
	}
	delete(w.items, symbol)
	delete(w.lastApplied, symbol)
	for i, s := range w.order {
		if s == symbol {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.mu.Unlock()

	w.logger.Printf("stopped watching %s", symbol)
	w.emit(Change{Symbol: symbol, SymbolsChanged: true})
	return nil
}

// Rename sets the display name of symbol.
func (w *Watchlist) Rename(symbol, displayName string) (schema.WatchedItem, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return schema.WatchedItem{}, errs.Invalid("watchlist/rename", "display name required", errs.WithSymbol(symbol))
	}
	return w.mutate("watchlist/rename", symbol, func(item *schema.WatchedItem) {
		item.DisplayName = name
	})
}

// SetThreshold sets a positive alert threshold and re-arms the alert.
func (w *Watchlist) SetThreshold(symbol string, threshold float64) (schema.WatchedItem, error) {
	if err := schema.ValidateThreshold(schema.NormalizeSymbol(symbol), threshold); err != nil {
		return schema.WatchedItem{}, err
	}
	return w.mutate("watchlist/threshold", symbol, func(item *schema.WatchedItem) {
		item.AlertThreshold = threshold
		item.AlertTriggered = false
		item.AlertTriggeredAt = nil
	})
}

// ClearThreshold removes the alert threshold.
func (w *Watchlist) ClearThreshold(symbol string) (schema.WatchedItem, error) {
	return w.mutate("watchlist/threshold", symbol, func(item *schema.WatchedItem) {
		item.AlertThreshold = 0
		item.AlertTriggered = false
		item.AlertTriggeredAt = nil
	})
}

// ResetAlert clears the triggered flag without changing the threshold.
func (w *Watchlist) ResetAlert(symbol string) (schema.WatchedItem, error) {
	return w.mutate("watchlist/alert", symbol, func(item *schema.WatchedItem) {
		item.AlertTriggered = false
		item.AlertTriggeredAt = nil
	})
}

func (w *Watchlist) mutate(component, symbol string, fn func(*schema.WatchedItem)) (schema.WatchedItem, error) {
	symbol = schema.NormalizeSymbol(symbol)
	w.mu.Lock()
	item, exists := w.items[symbol]
	if !exists {
		w.mu.Unlock()
		return schema.WatchedItem{}, notWatched(component, symbol)
	}
	fn(item)
	out := item.Clone()
	w.mu.Unlock()
	w.emit(Change{Symbol: symbol})
	return out, nil
}

// ApplyQuote is the single ingestion point for prices. Unknown symbols, invalid,
// out-of-order and throttled quotes are dropped without touching state.
func (w *Watchlist) ApplyQuote(ctx context.Context, symbol string, quote schema.Quote) ApplyResult {
	symbol = schema.NormalizeSymbol(symbol)
	now := w.now()

	w.mu.Lock()
	item, exists := w.items[symbol]
	if !exists {
		w.mu.Unlock()
		return w.dropped(quote, ApplyResult{Outcome: OutcomeUnknownSymbol})
	}
	if err := quote.Validate(); err != nil {
		w.mu.Unlock()
		return w.dropped(quote, ApplyResult{Outcome: OutcomeInvalid, Err: err})
	}
	ts := quote.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if !item.LastUpdated.IsZero() && !ts.After(item.LastUpdated) {
		w.mu.Unlock()
		return w.dropped(quote, ApplyResult{Outcome: OutcomeStale})
	}
	if last, ok := w.lastApplied[symbol]; ok && now.Sub(last) < w.throttle {
		w.mu.Unlock()
		return w.dropped(quote, ApplyResult{Outcome: OutcomeThrottled})
	}

	previous := item.CurrentPrice
	hasPrevious := !item.IsLoading && previous > 0
	w.derive(item, quote)
	item.PriceHistory = appendCapped(item.PriceHistory, schema.PricePoint{Timestamp: ts, Price: quote.Price}, w.historyCap)
	item.IsLoading = false
	item.LastUpdated = ts
	w.lastApplied[symbol] = now

	var alert *AlertEvent
	if w.alerts != nil {
		alert = w.alerts.Evaluate(item, previous, hasPrevious, now)
	}
	result := ApplyResult{Outcome: OutcomeApplied, Item: item.Clone(), Alert: alert}
	w.mu.Unlock()

	w.metrics.quoteApplied(string(quote.Source), now.Sub(ts))
	if alert != nil {
		w.alerts.Dispatch(ctx, *alert)
	}
	w.emit(Change{Symbol: symbol})
	return result
}

func (w *Watchlist) dropped(quote schema.Quote, result ApplyResult) ApplyResult {
	w.metrics.quoteDropped(string(quote.Source), result.Outcome)
	if result.Outcome == OutcomeInvalid {
		w.logger.Printf("dropped invalid %s quote for %s: %v", quote.Source, quote.Symbol, result.Err)
	}
	return result
}

// derive folds quote into the running fields of item.
func (w *Watchlist) derive(item *schema.WatchedItem, quote schema.Quote) {
	price := quote.Price
	item.CurrentPrice = price

	high := price
	if quote.High != nil && *quote.High > high {
		high = *quote.High
	}
	if item.High <= 0 || high > item.High {
		item.High = high
	}
	low := price
	if quote.Low != nil && *quote.Low > 0 && *quote.Low < low {
		low = *quote.Low
	}
	if item.Low <= 0 || low < item.Low {
		item.Low = low
	}
	if quote.Open != nil && *quote.Open > 0 {
		item.Open = *quote.Open
	} else if item.Open <= 0 {
		item.Open = price
	}
	if quote.PreviousClose != nil && *quote.PreviousClose > 0 {
		item.PreviousClose = *quote.PreviousClose
	}

	if item.PreviousClose > 0 {
		prevClose := decimal.NewFromFloat(item.PreviousClose)
		change := decimal.NewFromFloat(price).Sub(prevClose)
		item.Change = change.Round(4).InexactFloat64()
		item.PercentChange = change.Div(prevClose).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
		return
	}
	if quote.Change != nil {
		item.Change = *quote.Change
	}
	if quote.PercentChange != nil {
		item.PercentChange = *quote.PercentChange
	}
}

func appendCapped(history []schema.PricePoint, point schema.PricePoint, limit int) []schema.PricePoint {
	history = append(history, point)
	if overflow := len(history) - limit; overflow > 0 {
		copy(history, history[overflow:])
		history = history[:limit]
	}
	return history
}

// Snapshot returns deep copies of every item in insertion order.
func (w *Watchlist) Snapshot() []schema.WatchedItem {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]schema.WatchedItem, 0, len(w.order))
	for _, symbol := range w.order {
		out = append(out, w.items[symbol].Clone())
	}
	return out
}

// Get returns a copy of the item for symbol.
func (w *Watchlist) Get(symbol string) (schema.WatchedItem, bool) {
	symbol = schema.NormalizeSymbol(symbol)
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := w.items[symbol]
	if !ok {
		return schema.WatchedItem{}, false
	}
	return item.Clone(), true
}

// Symbols returns the watched symbols in insertion order.
func (w *Watchlist) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

// Len returns the number of watched items.
func (w *Watchlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

func notWatched(component, symbol string) error {
	return errs.New(component, errs.CodeNotFound, errs.WithMessage("symbol not watched"), errs.WithSymbol(symbol))
}
