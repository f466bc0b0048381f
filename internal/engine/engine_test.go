package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
)

type memoryStateStore struct {
	mu      sync.Mutex
	state   *statestore.SavedState
	saves   int
	loadErr error
	saveErr error
}

func (s *memoryStateStore) Load(context.Context) (statestore.SavedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return statestore.Default(), s.loadErr
	}
	if s.state == nil {
		return statestore.Default(), nil
	}
	return *s.state, nil
}

func (s *memoryStateStore) Save(_ context.Context, state statestore.SavedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.state = &state
	return nil
}

func (s *memoryStateStore) Saved() (statestore.SavedState, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return statestore.SavedState{}, s.saves, false
	}
	return *s.state, s.saves, true
}

func (s *memoryStateStore) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *memoryStateStore) setLoadErr(err error) {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
}

func symbolsOf(items []schema.WatchedItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Symbol)
	}
	return out
}

type engineHarness struct {
	clock      *fakeClock
	sched      *manualScheduler
	store      *memoryStateStore
	provider   *fakeProvider
	transport  *fakeTransport
	dispatcher *recordingDispatcher
	engine     *Engine
}

func newEngineHarness(t *testing.T, mutate func(*Options)) *engineHarness {
	t.Helper()
	clock := newFakeClock()
	h := &engineHarness{
		clock:      clock,
		sched:      newManualScheduler(clock),
		store:      new(memoryStateStore),
		provider:   newFakeProvider(),
		transport:  new(fakeTransport),
		dispatcher: new(recordingDispatcher),
	}
	opts := Options{
		Clock:     clock.Now,
		Scheduler: h.sched,
		Logger:    quietLogger(),
		Poller:    PollerOptions{Interval: 10 * time.Second},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = New(Deps{
		Store:      h.store,
		Provider:   h.provider,
		Transport:  h.transport,
		Dispatcher: h.dispatcher,
	}, opts)
	t.Cleanup(func() { _ = h.engine.Close(context.Background()) })
	return h
}

func (h *engineHarness) seed(items ...schema.WatchedItem) {
	state := statestore.Default()
	state.WatchedItems = items
	h.store.state = &state
}

func TestEngineAddPerformsInitialLookup(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.provider.set("AAPL", schema.Quote{Price: 187.5, PreviousClose: schema.Float(180)})

	item, err := h.engine.Add(context.Background(), "aapl", "Apple", 0)
	require.NoError(t, err)
	require.False(t, item.IsLoading)
	require.Equal(t, 187.5, item.CurrentPrice)
	require.Equal(t, 7.5, item.Change)

	_, err = h.engine.Add(context.Background(), "AAPL", "", 0)
	require.True(t, errs.Is(err, errs.CodeConflict))
}

func TestEngineAddLookupFailureLeavesItemLoading(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.provider.fail("NVDA", errors.New("timeout"))

	item, err := h.engine.Add(context.Background(), "NVDA", "", 0)
	require.NoError(t, err)
	require.True(t, item.IsLoading)
	require.Equal(t, 1, h.engine.Status().Watched)
}

func TestEngineDebouncesSaves(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.engine.Load(context.Background())
	ctx := context.Background()
	for _, symbol := range []string{"AAPL", "MSFT", "TSLA"} {
		_, err := h.engine.Add(ctx, symbol, "", 0)
		require.NoError(t, err)
	}
	_, saves, ok := h.store.Saved()
	require.False(t, ok)
	require.Zero(t, saves)

	h.sched.Advance(DefaultSaveDebounce)
	state, saves, ok := h.store.Saved()
	require.True(t, ok)
	require.Equal(t, 1, saves)
	require.Len(t, state.WatchedItems, 3)
	require.Equal(t, statestore.CurrentVersion, state.Version)
}

func TestEngineStorageFailureDegradesToMemory(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.store.setSaveErr(errs.New("persistence/save", errs.CodeStorage, errs.WithMessage("quota exceeded")))
	ctx := context.Background()

	_, err := h.engine.Add(ctx, "AAPL", "", 0)
	require.NoError(t, err)
	require.Error(t, h.engine.Flush(ctx))

	status := h.engine.Status()
	require.True(t, status.StorageDegraded)
	require.Contains(t, status.StorageWarning, "quota exceeded")
	require.Len(t, h.engine.Items(), 1)

	h.store.setSaveErr(nil)
	require.NoError(t, h.engine.Flush(ctx))
	require.False(t, h.engine.Status().StorageDegraded)
}

func TestEngineLoadFailureStartsWithDefaults(t *testing.T) {
	h := newEngineHarness(t, nil)
	h.store.loadErr = errors.New("disk unreadable")

	h.engine.Start(context.Background())
	status := h.engine.Status()
	require.True(t, status.StorageDegraded)
	require.True(t, status.LiveMode)
	require.Zero(t, status.Watched)
}

func TestEngineLoadFailureWithholdsSavesUntilReload(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	h.seed(schema.WatchedItem{Symbol: "AAPL", AlertThreshold: 190}, schema.WatchedItem{Symbol: "MSFT"})
	h.store.setLoadErr(errors.New("disk unreadable"))

	h.engine.Start(ctx)
	require.True(t, h.engine.Status().StorageLoadFailed)

	_, err := h.engine.Add(ctx, "TSLA", "", 0)
	require.NoError(t, err)
	h.sched.Advance(DefaultSaveDebounce)
	require.Error(t, h.engine.Flush(ctx))

	saved, saves, ok := h.store.Saved()
	require.True(t, ok)
	require.Zero(t, saves)
	require.Equal(t, []string{"AAPL", "MSFT"}, symbolsOf(saved.WatchedItems))

	require.Error(t, h.engine.Reload(ctx), "store still unreadable")
	h.store.setLoadErr(nil)
	require.NoError(t, h.engine.Reload(ctx))
	status := h.engine.Status()
	require.False(t, status.StorageLoadFailed)
	require.Equal(t, 3, status.Watched)
	item, ok := h.engine.Item("AAPL")
	require.True(t, ok)
	require.InDelta(t, 190, item.AlertThreshold, 1e-9)

	require.NoError(t, h.engine.Flush(ctx))
	saved, _, _ = h.store.Saved()
	require.Equal(t, []string{"AAPL", "MSFT", "TSLA"}, symbolsOf(saved.WatchedItems))
	require.False(t, h.engine.Status().StorageDegraded)
}

func TestEngineRetriesFailedLoadAndAdoptsPersistedSettings(t *testing.T) {
	h := newEngineHarness(t, nil)
	saved := statestore.Default()
	saved.Settings.LiveMode = false
	saved.Settings.NotifyOnDrop = true
	saved.WatchedItems = []schema.WatchedItem{{Symbol: "AAPL"}}
	h.store.state = &saved
	h.store.setLoadErr(errors.New("disk unreadable"))

	h.engine.Start(context.Background())
	require.True(t, h.engine.Status().LiveMode, "defaults while the load is failing")
	require.Zero(t, h.engine.Status().Watched)

	h.store.setLoadErr(nil)
	h.sched.Advance(DefaultReloadInterval)
	status := h.engine.Status()
	require.False(t, status.StorageLoadFailed)
	require.False(t, status.LiveMode)
	require.True(t, h.engine.Settings().NotifyOnDrop)
	require.Equal(t, 1, status.Watched)

	h.sched.Advance(DefaultSaveDebounce)
	persisted, saves, _ := h.store.Saved()
	require.Equal(t, 1, saves)
	require.False(t, persisted.Settings.LiveMode)
	require.Equal(t, []string{"AAPL"}, symbolsOf(persisted.WatchedItems))
}

func TestEngineRestoresStateAndSettings(t *testing.T) {
	h := newEngineHarness(t, nil)
	saved := statestore.Default()
	saved.Settings.LiveMode = false
	saved.Settings.NotifyOnDrop = true
	saved.WatchedItems = []schema.WatchedItem{{ID: "1", Symbol: "AAPL", DisplayName: "Apple", CurrentPrice: 150, AlertThreshold: 140}}
	h.store.state = &saved

	h.engine.Start(context.Background())
	require.Zero(t, h.transport.Opens(), "live mode off")
	item, ok := h.engine.Item("AAPL")
	require.True(t, ok)
	require.Equal(t, "Apple", item.DisplayName)
	require.True(t, h.engine.Settings().NotifyOnDrop)
	require.False(t, h.engine.Status().LiveMode)
}

func TestEngineLiveModeToggle(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	h.seed(schema.WatchedItem{Symbol: "AAPL", CurrentPrice: 100})

	h.engine.Start(ctx)
	stream := h.transport.Last()
	require.NotNil(t, stream)
	stream.handler.OnOpen()
	status := h.engine.Status()
	require.False(t, status.Degraded)
	require.False(t, status.FallbackOnly)
	require.Equal(t, PollBackstop, status.PollMode)

	h.engine.SetLiveMode(false)
	require.True(t, stream.closed.Load())
	status = h.engine.Status()
	require.False(t, status.LiveMode)
	require.Equal(t, schema.StatusDisconnected, status.Connection.Status)
	require.False(t, h.engine.Poller().Running())
	require.Len(t, h.engine.Items(), 1)
	require.False(t, h.engine.Settings().LiveMode)

	h.clock.Advance(5 * time.Second)
	h.engine.SetLiveMode(true)
	require.Equal(t, 2, h.transport.Opens())
	require.True(t, h.engine.Status().FallbackOnly)
}

func TestEngineCircuitOpenKeepsPollingActive(t *testing.T) {
	h := newEngineHarness(t, func(o *Options) {
		o.Supervisor.MaxAttempts = 2
	})
	ctx := context.Background()
	h.seed(schema.WatchedItem{Symbol: "AAPL", CurrentPrice: 100})
	h.provider.set("AAPL", schema.Quote{Price: 101})
	h.engine.Start(ctx)

	h.transport.Last().handler.OnError(errDial)
	h.sched.Advance(time.Second)
	h.transport.Last().handler.OnError(errDial)
	h.sched.Advance(2 * time.Second)
	h.transport.Last().handler.OnError(errDial)

	status := h.engine.Status()
	require.True(t, status.Connection.CircuitOpen)
	require.True(t, status.Degraded)
	require.True(t, status.FallbackOnly)
	require.True(t, h.engine.Poller().Running())

	calls := h.provider.Calls("AAPL")
	h.sched.Advance(10 * time.Second)
	require.Greater(t, h.provider.Calls("AAPL"), calls)
}

func TestEngineRemoveResubscribes(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	h.seed(schema.WatchedItem{Symbol: "AAPL"}, schema.WatchedItem{Symbol: "MSFT"})
	h.engine.Start(ctx)
	require.Equal(t, []string{"AAPL", "MSFT"}, h.transport.Last().symbols)
	first := h.transport.Last()
	first.handler.OnOpen()

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.engine.Remove("MSFT"))
	require.True(t, first.closed.Load())
	require.Equal(t, []string{"AAPL"}, h.transport.Last().symbols)
}

func TestEngineAlertsReachDispatcher(t *testing.T) {
	h := newEngineHarness(t, nil)
	ctx := context.Background()
	h.seed(schema.WatchedItem{Symbol: "AAPL", DisplayName: "Apple", CurrentPrice: 149, AlertThreshold: 150})
	h.engine.Start(ctx)
	stream := h.transport.Last()
	stream.handler.OnOpen()

	stream.handler.OnMessage([]byte(`{"type":"trade","symbol":"AAPL","price":151}`))
	sent := h.dispatcher.Sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].body, "Apple rose above 150.00")
	item, _ := h.engine.Item("AAPL")
	require.True(t, item.AlertTriggered)

	item, err := h.engine.ResetAlert("AAPL")
	require.NoError(t, err)
	require.False(t, item.AlertTriggered)
}

func TestEngineCloseFlushesPendingState(t *testing.T) {
	h := newEngineHarness(t, nil)
	_, err := h.engine.Add(context.Background(), "AAPL", "", 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.Close(context.Background()))

	state, _, ok := h.store.Saved()
	require.True(t, ok)
	require.Len(t, state.WatchedItems, 1)
}
