package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

const noThrottle = -1

func newTestWatchlist(clock *fakeClock, throttle time.Duration, historyCap int) *Watchlist {
	return NewWatchlist(WatchlistOptions{
		ThrottleWindow: throttle,
		HistoryCap:     historyCap,
		Clock:          clock.Now,
		Logger:         quietLogger(),
	}, nil)
}

func TestApplyQuoteUnknownSymbolIsNoop(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, DefaultThrottleWindow, 0)

	result := w.ApplyQuote(context.Background(), "AAPL", price("AAPL", 150, clock.Now()))
	require.Equal(t, OutcomeUnknownSymbol, result.Outcome)
	require.Zero(t, w.Len())
}

func TestApplyQuoteOrderingIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 0)
	ctx := context.Background()
	_, err := w.Add("AAPL", "Apple", 0)
	require.NoError(t, err)

	first := price("AAPL", 150, epoch.Add(10*time.Second))
	require.True(t, w.ApplyQuote(ctx, "AAPL", first).Applied())
	before, _ := w.Get("AAPL")

	clock.Advance(time.Second)
	require.Equal(t, OutcomeStale, w.ApplyQuote(ctx, "AAPL", first).Outcome)
	require.Equal(t, OutcomeStale, w.ApplyQuote(ctx, "AAPL", price("AAPL", 99, epoch.Add(5*time.Second))).Outcome)

	after, _ := w.Get("AAPL")
	require.Equal(t, before, after)
	require.Len(t, after.PriceHistory, 1)
}

func TestApplyQuoteThrottle(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, 500*time.Millisecond, 0)
	ctx := context.Background()
	_, err := w.Add("AAPL", "", 0)
	require.NoError(t, err)

	require.True(t, w.ApplyQuote(ctx, "AAPL", price("AAPL", 150, clock.Now())).Applied())
	clock.Advance(100 * time.Millisecond)
	require.Equal(t, OutcomeThrottled, w.ApplyQuote(ctx, "AAPL", price("AAPL", 151, clock.Now())).Outcome)

	item, _ := w.Get("AAPL")
	require.Equal(t, 150.0, item.CurrentPrice)

	clock.Advance(400 * time.Millisecond)
	require.True(t, w.ApplyQuote(ctx, "AAPL", price("AAPL", 152, clock.Now())).Applied())
}

func TestApplyQuoteBoundedHistory(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 500)
	ctx := context.Background()
	_, err := w.Add("AAPL", "", 0)
	require.NoError(t, err)

	for i := 1; i <= 600; i++ {
		clock.Advance(time.Second)
		require.True(t, w.ApplyQuote(ctx, "AAPL", price("AAPL", float64(i), clock.Now())).Applied())
	}

	item, _ := w.Get("AAPL")
	require.Len(t, item.PriceHistory, 500)
	require.Equal(t, 101.0, item.PriceHistory[0].Price)
	require.Equal(t, 600.0, item.PriceHistory[499].Price)
}

func TestApplyQuoteDerivesFields(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 0)
	ctx := context.Background()
	_, err := w.Add("MSFT", "", 0)
	require.NoError(t, err)

	item, _ := w.Get("MSFT")
	require.True(t, item.IsLoading)

	quote := price("MSFT", 110, clock.Now())
	quote.PreviousClose = schema.Float(100)
	quote.Open = schema.Float(101)
	quote.High = schema.Float(112)
	quote.Low = schema.Float(99)
	result := w.ApplyQuote(ctx, "MSFT", quote)
	require.True(t, result.Applied())
	require.False(t, result.Item.IsLoading)
	require.Equal(t, 10.0, result.Item.Change)
	require.Equal(t, 10.0, result.Item.PercentChange)
	require.Equal(t, 112.0, result.Item.High)
	require.Equal(t, 99.0, result.Item.Low)
	require.Equal(t, 101.0, result.Item.Open)

	clock.Advance(time.Second)
	result = w.ApplyQuote(ctx, "MSFT", price("MSFT", 95.5, clock.Now()))
	require.True(t, result.Applied())
	require.Equal(t, 95.5, result.Item.Low)
	require.Equal(t, 112.0, result.Item.High)
	require.Equal(t, -4.5, result.Item.Change)
	require.Equal(t, -4.5, result.Item.PercentChange)
}

func TestApplyQuoteRejectsInvalidAndStampsMissingTime(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 0)
	ctx := context.Background()
	_, err := w.Add("IBM", "", 0)
	require.NoError(t, err)

	result := w.ApplyQuote(ctx, "IBM", schema.Quote{Symbol: "IBM", Price: 0})
	require.Equal(t, OutcomeInvalid, result.Outcome)
	require.True(t, errs.IsValidation(result.Err))

	result = w.ApplyQuote(ctx, "ibm", schema.Quote{Symbol: "IBM", Price: 120})
	require.True(t, result.Applied())
	require.True(t, result.Item.LastUpdated.Equal(clock.Now()))
}

func TestAddEnforcesUniqueSymbols(t *testing.T) {
	w := newTestWatchlist(newFakeClock(), noThrottle, 0)
	item, err := w.Add(" aapl ", "", 0)
	require.NoError(t, err)
	require.Equal(t, "AAPL", item.Symbol)
	require.Equal(t, "AAPL", item.DisplayName)
	require.NotEmpty(t, item.ID)

	_, err = w.Add("AAPL", "dup", 0)
	require.True(t, errs.Is(err, errs.CodeConflict))
	require.Equal(t, []string{"AAPL"}, w.Symbols())

	_, err = w.Add("", "", 0)
	require.True(t, errs.IsValidation(err))
	_, err = w.Add("TSLA", "", -1)
	require.True(t, errs.IsValidation(err))
}

func TestItemCommands(t *testing.T) {
	clock := newFakeClock()
	w := NewWatchlist(WatchlistOptions{Clock: clock.Now, Logger: quietLogger()},
		NewAlertEvaluator(nil, nil, quietLogger()))
	ctx := context.Background()
	_, err := w.Add("AAPL", "Apple", 150)
	require.NoError(t, err)

	result := w.ApplyQuote(ctx, "AAPL", price("AAPL", 151, clock.Now()))
	require.True(t, result.Item.AlertTriggered)

	item, err := w.SetThreshold("aapl", 160)
	require.NoError(t, err)
	require.Equal(t, 160.0, item.AlertThreshold)
	require.False(t, item.AlertTriggered)
	require.Nil(t, item.AlertTriggeredAt)

	_, err = w.SetThreshold("AAPL", 0)
	require.True(t, errs.IsValidation(err))

	item, err = w.ClearThreshold("AAPL")
	require.NoError(t, err)
	require.False(t, item.HasThreshold())

	item, err = w.Rename("AAPL", "  Apple Inc. ")
	require.NoError(t, err)
	require.Equal(t, "Apple Inc.", item.DisplayName)
	_, err = w.Rename("AAPL", " ")
	require.True(t, errs.IsValidation(err))

	_, err = w.ResetAlert("NOPE")
	require.True(t, errs.Is(err, errs.CodeNotFound))

	require.NoError(t, w.Remove("AAPL"))
	require.True(t, errs.Is(w.Remove("AAPL"), errs.CodeNotFound))
	require.Zero(t, w.Len())
}

func TestOnChangeReportsSymbolSetChanges(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 0)
	var changes []Change
	w.OnChange(func(c Change) { changes = append(changes, c) })

	_, err := w.Add("AAPL", "", 0)
	require.NoError(t, err)
	w.ApplyQuote(context.Background(), "AAPL", price("AAPL", 1, clock.Now()))
	require.NoError(t, w.Remove("AAPL"))

	require.Equal(t, []Change{
		{Symbol: "AAPL", SymbolsChanged: true},
		{Symbol: "AAPL"},
		{Symbol: "AAPL", SymbolsChanged: true},
	}, changes)
}

func TestRestoreKeepsFirstOccurrence(t *testing.T) {
	w := newTestWatchlist(newFakeClock(), noThrottle, 2)
	w.Restore([]schema.WatchedItem{
		{ID: "1", Symbol: "aapl", CurrentPrice: 1, PriceHistory: []schema.PricePoint{{Price: 1}, {Price: 2}, {Price: 3}}},
		{ID: "2", Symbol: "AAPL", CurrentPrice: 2},
		{Symbol: "MSFT"},
	})
	require.Equal(t, []string{"AAPL", "MSFT"}, w.Symbols())
	item, _ := w.Get("AAPL")
	require.Equal(t, "1", item.ID)
	require.Len(t, item.PriceHistory, 2)
	msft, _ := w.Get("MSFT")
	require.NotEmpty(t, msft.ID)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	clock := newFakeClock()
	w := newTestWatchlist(clock, noThrottle, 0)
	_, err := w.Add("AAPL", "", 0)
	require.NoError(t, err)
	w.ApplyQuote(context.Background(), "AAPL", price("AAPL", 10, clock.Now()))

	snap := w.Snapshot()
	snap[0].PriceHistory[0].Price = 999
	item, _ := w.Get("AAPL")
	require.Equal(t, 10.0, item.PriceHistory[0].Price)
}
