package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

type pollerHarness struct {
	clock     *fakeClock
	sched     *manualScheduler
	provider  *fakeProvider
	watchlist *Watchlist
	poller    *Poller
}

func newPollerHarness(t *testing.T, opts PollerOptions, symbols ...string) *pollerHarness {
	t.Helper()
	clock := newFakeClock()
	sched := newManualScheduler(clock)
	h := &pollerHarness{
		clock:     clock,
		sched:     sched,
		provider:  newFakeProvider(),
		watchlist: NewWatchlist(WatchlistOptions{ThrottleWindow: noThrottle, Clock: clock.Now, Logger: quietLogger()}, nil),
	}
	for i, symbol := range symbols {
		_, err := h.watchlist.Add(symbol, "", 0)
		require.NoError(t, err)
		h.provider.set(symbol, schema.Quote{Price: float64(100 + i)})
	}
	opts.Scheduler = sched
	opts.Logger = quietLogger()
	h.poller = NewPoller(h.provider, h.watchlist, opts)
	return h
}

func TestPollerEffectiveIntervalScalesWithWatchlist(t *testing.T) {
	symbols := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		symbols = append(symbols, fmt.Sprintf("SYM%d", i))
	}
	h := newPollerHarness(t, PollerOptions{Interval: 10 * time.Second, PerSymbolFloor: time.Second}, symbols[:5]...)
	require.Equal(t, 10*time.Second, h.poller.EffectiveInterval())

	for _, symbol := range symbols[5:] {
		_, err := h.watchlist.Add(symbol, "", 0)
		require.NoError(t, err)
	}
	require.Equal(t, 30*time.Second, h.poller.EffectiveInterval())
}

func TestPollerPrimaryModePollsEveryTick(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{Interval: 10 * time.Second}, "AAPL", "MSFT")
	h.poller.Start(0)
	require.True(t, h.poller.Running())

	h.sched.Advance(0)
	require.Equal(t, 1, h.provider.Calls("AAPL"))
	require.Equal(t, 1, h.provider.Calls("MSFT"))
	item, _ := h.watchlist.Get("MSFT")
	require.Equal(t, 101.0, item.CurrentPrice)
	require.False(t, item.IsLoading)

	h.sched.Advance(10 * time.Second)
	require.Equal(t, 2, h.provider.Calls("AAPL"))
	require.EqualValues(t, 2, h.poller.Ticks())
}

func TestPollerBackstopModeSamplesTicks(t *testing.T) {
	rolls := []float64{0.5, 0.05, 0.99}
	h := newPollerHarness(t, PollerOptions{
		Interval:            10 * time.Second,
		BackstopProbability: 0.1,
		Rand: func() float64 {
			r := rolls[0]
			rolls = rolls[1:]
			return r
		},
	}, "AAPL")
	h.poller.SetMode(PollBackstop)
	h.poller.Start(0)

	h.sched.Advance(0)
	require.Zero(t, h.provider.TotalCalls(), "backstop mode waits a full interval")

	h.sched.Advance(10 * time.Second)
	require.Zero(t, h.provider.TotalCalls())
	h.sched.Advance(10 * time.Second)
	require.Equal(t, 1, h.provider.TotalCalls())
	h.sched.Advance(10 * time.Second)
	require.Equal(t, 1, h.provider.TotalCalls())
	require.EqualValues(t, 3, h.poller.Ticks())
}

func TestPollerSwitchToPrimaryPollsImmediately(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{Interval: time.Minute, Rand: func() float64 { return 1 }}, "AAPL")
	h.poller.SetMode(PollBackstop)
	h.poller.Start(0)

	h.poller.SetMode(PollPrimary)
	h.sched.Advance(0)
	require.Equal(t, 1, h.provider.TotalCalls())
	require.Equal(t, PollPrimary, h.poller.Mode())
}

func TestPollerIsolatesPerSymbolFailures(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{}, "AAPL", "MSFT", "TSLA")
	h.provider.fail("MSFT", errs.New("finnhub", errs.CodeRateLimited))
	h.provider.fail("TSLA", fmt.Errorf("boom"))

	report := h.poller.PollNow(context.Background())
	require.Equal(t, PollReport{Symbols: 3, Applied: 1, Failed: 2}, report)

	aapl, _ := h.watchlist.Get("AAPL")
	require.Equal(t, 100.0, aapl.CurrentPrice)
	msft, _ := h.watchlist.Get("MSFT")
	require.True(t, msft.IsLoading)
}

func TestPollerStopCancelsTicks(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{Interval: time.Second}, "AAPL")
	h.poller.Start(0)
	h.sched.Advance(0)
	require.Equal(t, 1, h.provider.TotalCalls())

	h.poller.Stop()
	require.False(t, h.poller.Running())
	h.sched.Advance(time.Minute)
	require.Equal(t, 1, h.provider.TotalCalls())

	h.poller.Start(0)
	h.sched.Advance(0)
	require.Equal(t, 2, h.provider.TotalCalls())
}

func TestPollerRemovedSymbolIsNotFetched(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{Interval: time.Second}, "AAPL", "MSFT")
	h.poller.Start(0)
	h.sched.Advance(0)
	require.NoError(t, h.watchlist.Remove("MSFT"))

	h.sched.Advance(2 * time.Second)
	require.Equal(t, 2, h.provider.Calls("AAPL"))
	require.Equal(t, 1, h.provider.Calls("MSFT"))
}

func TestPollerStaleQuotesAreDropped(t *testing.T) {
	h := newPollerHarness(t, PollerOptions{}, "AAPL")
	h.provider.set("AAPL", schema.Quote{Price: 100, Timestamp: epoch})
	require.Equal(t, 1, h.poller.PollNow(context.Background()).Applied)

	report := h.poller.PollNow(context.Background())
	require.Equal(t, 1, report.Dropped)
}
