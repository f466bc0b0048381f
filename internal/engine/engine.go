// Package engine keeps a watchlist synchronised with live prices. A Supervisor
// drives the push stream, a Poller covers for it, and both feed one Watchlist
// whose critical section also evaluates alerts.
package engine

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
	"github.com/coachpo/pricewatch/internal/domain/statestore"
)

const (
	// DefaultSaveDebounce batches persistence after mutations.
	DefaultSaveDebounce = time.Second
	// DefaultReloadInterval spaces load retries after a failed load.
	DefaultReloadInterval = 30 * time.Second
)

// Deps are the collaborators of an Engine. Any of them may be nil: without a
// Store state is memory only, without a Transport only the poller runs.
type Deps struct {
	Store      statestore.Store
	Provider   QuoteProvider
	Transport  Transport
	Dispatcher Dispatcher
	Submitter  Submitter
}

// Options tunes the engine and its components. Clock, Scheduler and Logger
// fill in component options left unset.
type Options struct {
	Watchlist      WatchlistOptions
	Poller         PollerOptions
	Supervisor     SupervisorOptions
	SaveDebounce   time.Duration
	SaveTimeout    time.Duration
	ReloadInterval time.Duration
	Clock          Clock
	Scheduler      Scheduler
	Logger         *log.Logger
}

// Status is the externally visible health of the engine.
type Status struct {
	Connection          schema.ConnectionState `json:"connection"`
	LiveMode            bool                   `json:"liveMode"`
	Degraded            bool                   `json:"degraded"`
	FallbackOnly        bool                   `json:"fallbackOnly"`
	PollMode            PollMode               `json:"pollMode"`
	PollInterval        time.Duration          `json:"pollInterval"`
	StorageDegraded     bool                   `json:"storageDegraded"`
	StorageWarning      string                 `json:"storageWarning,omitempty"`
	StorageLoadFailed   bool                   `json:"storageLoadFailed"`
	NotificationsDenied bool                   `json:"notificationsDenied"`
	Watched             int                    `json:"watched"`
}

// Engine is the composition root of the synchronisation core.
type Engine struct {
	store    statestore.Store
	provider QuoteProvider
	logger   *log.Logger
	sched    Scheduler
	debounce time.Duration
	timeout  time.Duration
	reload   time.Duration

	watchlist  *Watchlist
	alerts     *AlertEvaluator
	poller     *Poller
	supervisor *Supervisor
	metrics    *engineMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	settings        schema.Settings
	storageDegraded bool
	storageWarning  string
	saveCancel      func()
	// loadFailed holds saves back until persisted state has been read.
	loadFailed      bool
	settingsTouched bool
	reloadCancel    func()

	saveMu   sync.Mutex
	reloadMu sync.Mutex
}

// New wires the engine. Call Start to load state and go live.
func New(deps Deps, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "engine ", log.LstdFlags|log.Lmicroseconds)
	}
	sched := schedulerOrDefault(opts.Scheduler)
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = DefaultSaveDebounce
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	if opts.ReloadInterval <= 0 {
		opts.ReloadInterval = DefaultReloadInterval
	}
	if opts.Watchlist.Clock == nil {
		opts.Watchlist.Clock = opts.Clock
	}
	if opts.Watchlist.Logger == nil {
		opts.Watchlist.Logger = prefixed(logger, "watchlist ")
	}
	if opts.Poller.Scheduler == nil {
		opts.Poller.Scheduler = sched
	}
	if opts.Poller.Logger == nil {
		opts.Poller.Logger = prefixed(logger, "poller ")
	}
	if opts.Supervisor.Clock == nil {
		opts.Supervisor.Clock = opts.Clock
	}
	if opts.Supervisor.Scheduler == nil {
		opts.Supervisor.Scheduler = sched
	}
	if opts.Supervisor.Logger == nil {
		opts.Supervisor.Logger = prefixed(logger, "supervisor ")
	}

	metrics := newEngineMetrics()
	alerts := NewAlertEvaluator(deps.Dispatcher, deps.Submitter, prefixed(logger, "alerts "))
	alerts.metrics = metrics
	watchlist := NewWatchlist(opts.Watchlist, alerts)
	watchlist.metrics = metrics
	poller := NewPoller(deps.Provider, watchlist, opts.Poller)
	poller.metrics = metrics
	supervisor := NewSupervisor(deps.Transport, watchlist, poller, opts.Supervisor)
	supervisor.metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      deps.Store,
		provider:   deps.Provider,
		logger:     logger,
		sched:      sched,
		debounce:   opts.SaveDebounce,
		timeout:    opts.SaveTimeout,
		reload:     opts.ReloadInterval,
		watchlist:  watchlist,
		alerts:     alerts,
		poller:     poller,
		supervisor: supervisor,
		metrics:    metrics,
		ctx:        ctx,
		cancel:     cancel,
		settings:   schema.DefaultSettings(),
	}
	watchlist.OnChange(e.onWatchlistChange)
	supervisor.OnStateChange(func(state schema.ConnectionState) {
		logger.Printf("connection status=%s attempts=%d circuit_open=%t", state.Status, state.Attempts, state.CircuitOpen)
	})
	return e
}

func prefixed(base *log.Logger, prefix string) *log.Logger {
	return log.New(base.Writer(), prefix, base.Flags())
}

// Load restores persisted state. A failing store degrades the engine to
// memory-only operation on defaults instead of failing startup. Saves are
// withheld until a retried load succeeds.
func (e *Engine) Load(ctx context.Context) {
	state := statestore.Default()
	if e.store != nil {
		loaded, err := e.store.Load(ctx)
		if err != nil {
			e.loadFailedWith(err)
		} else {
			state = loaded
		}
	}
	if state.WatchedItems == nil {
		state.WatchedItems = []schema.WatchedItem{}
	}
	e.watchlist.Restore(state.WatchedItems)
	e.applySettings(state.Settings)
	e.logger.Printf("loaded %d watched items (live=%t)", len(state.WatchedItems), state.Settings.LiveMode)
}

// Reload reads persisted state again after a failed load. Persisted items are
// merged with symbols added in the meantime; settings changed in the meantime
// win over persisted ones. Reload is a no-op once a load has succeeded.
func (e *Engine) Reload(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	e.mu.Lock()
	if !e.loadFailed {
		e.mu.Unlock()
		return nil
	}
	if e.reloadCancel != nil {
		e.reloadCancel()
		e.reloadCancel = nil
	}
	e.mu.Unlock()

	loaded, err := e.store.Load(ctx)
	if err != nil {
		e.loadFailedWith(err)
		return err
	}

	merged := append(append([]schema.WatchedItem(nil), loaded.WatchedItems...), e.watchlist.Snapshot()...)
	e.watchlist.Restore(merged)

	e.mu.Lock()
	e.loadFailed = false
	touched := e.settingsTouched
	wasLive := e.settings.LiveMode
	e.mu.Unlock()
	if !touched {
		e.applySettings(loaded.Settings)
		switch {
		case loaded.Settings.LiveMode && !wasLive:
			e.supervisor.Start()
		case !loaded.Settings.LiveMode && wasLive:
			e.supervisor.Stop()
		}
	}
	e.supervisor.Resubscribe()
	e.logger.Printf("reloaded %d watched items after storage recovery", e.watchlist.Len())
	e.scheduleSave()
	return nil
}

func (e *Engine) applySettings(settings schema.Settings) {
	e.mu.Lock()
	e.settings = settings
	e.mu.Unlock()
	e.alerts.SetNotifyOnDrop(settings.NotifyOnDrop)
	if settings.PollInterval > 0 {
		e.poller.SetInterval(settings.PollInterval)
	}
}

func (e *Engine) loadFailedWith(err error) {
	e.degradeStorage(err)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadFailed = true
	if e.reloadCancel != nil {
		return
	}
	e.reloadCancel = e.sched.After(e.ctx, e.reload, func() {
		e.mu.Lock()
		e.reloadCancel = nil
		e.mu.Unlock()
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()
		_ = e.Reload(ctx)
	})
}

// Start loads state and, when live mode is enabled, starts the supervisor.
func (e *Engine) Start(ctx context.Context) {
	e.Load(ctx)
	if e.Settings().LiveMode {
		e.supervisor.Start()
	}
}

// Close stops live updates and flushes pending state.
func (e *Engine) Close(ctx context.Context) error {
	e.supervisor.Shutdown()
	e.poller.Stop()
	e.mu.Lock()
	if e.reloadCancel != nil {
		e.reloadCancel()
		e.reloadCancel = nil
	}
	e.mu.Unlock()
	err := e.Flush(ctx)
	e.cancel()
	return err
}

// Watchlist exposes the reducer.
func (e *Engine) Watchlist() *Watchlist { return e.watchlist }

// Supervisor exposes the connection supervisor.
func (e *Engine) Supervisor() *Supervisor { return e.supervisor }

// Poller exposes the polling scheduler.
func (e *Engine) Poller() *Poller { return e.poller }

// Items returns a snapshot of the watchlist.
func (e *Engine) Items() []schema.WatchedItem { return e.watchlist.Snapshot() }

// Item returns one watched item.
func (e *Engine) Item(symbol string) (schema.WatchedItem, bool) { return e.watchlist.Get(symbol) }

// Add watches symbol and performs an initial price lookup. A failed lookup
// leaves the item loading for the poller or stream to fill.
func (e *Engine) Add(ctx context.Context, symbol, displayName string, threshold float64) (schema.WatchedItem, error) {
	item, err := e.watchlist.Add(symbol, displayName, threshold)
	if err != nil {
		return schema.WatchedItem{}, err
	}
	if e.provider == nil {
		return item, nil
	}
	quote, err := e.provider.FetchQuote(ctx, item.Symbol)
	if err != nil {
		e.logger.Printf("initial lookup for %s failed: %v", item.Symbol, err)
		return item, nil
	}
	quote.Source = schema.SourceLookup
	if result := e.watchlist.ApplyQuote(ctx, item.Symbol, quote); result.Applied() {
		return result.Item, nil
	}
	if current, ok := e.watchlist.Get(item.Symbol); ok {
		return current, nil
	}
	return item, nil
}

// Remove stops watching symbol.
func (e *Engine) Remove(symbol string) error { return e.watchlist.Remove(symbol) }

// Rename changes the display name of symbol.
func (e *Engine) Rename(symbol, displayName string) (schema.WatchedItem, error) {
	return e.watchlist.Rename(symbol, displayName)
}

// SetThreshold sets the alert threshold of symbol.
func (e *Engine) SetThreshold(symbol string, threshold float64) (schema.WatchedItem, error) {
	return e.watchlist.SetThreshold(symbol, threshold)
}

// ClearThreshold removes the alert threshold of symbol.
func (e *Engine) ClearThreshold(symbol string) (schema.WatchedItem, error) {
	return e.watchlist.ClearThreshold(symbol)
}

// ResetAlert re-arms the alert of symbol.
func (e *Engine) ResetAlert(symbol string) (schema.WatchedItem, error) {
	return e.watchlist.ResetAlert(symbol)
}

// Settings returns the current user settings.
func (e *Engine) Settings() schema.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// SetLiveMode toggles live updates. Turning it off cancels retries, closes the
// stream and stops polling; the watchlist is untouched.
func (e *Engine) SetLiveMode(enabled bool) {
	e.mu.Lock()
	changed := e.settings.LiveMode != enabled
	e.settings.LiveMode = enabled
	e.settingsTouched = true
	e.mu.Unlock()
	if enabled {
		e.supervisor.Start()
	} else {
		e.supervisor.Stop()
	}
	if changed {
		e.scheduleSave()
	}
}

// SetNotifyOnDrop toggles dispatch of downward crossings.
func (e *Engine) SetNotifyOnDrop(enabled bool) {
	e.mu.Lock()
	e.settings.NotifyOnDrop = enabled
	e.settingsTouched = true
	e.mu.Unlock()
	e.alerts.SetNotifyOnDrop(enabled)
	e.scheduleSave()
}

// SetPollInterval changes the configured polling interval.
func (e *Engine) SetPollInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.mu.Lock()
	e.settings.PollInterval = interval
	e.settingsTouched = true
	e.mu.Unlock()
	e.poller.SetInterval(interval)
	e.scheduleSave()
}

// ResetCircuit closes an open stream circuit.
func (e *Engine) ResetCircuit() { e.supervisor.ResetCircuit() }

// ResetPermission re-enables notifications after a denial.
func (e *Engine) ResetPermission() { e.alerts.ResetPermission() }

// PollNow refreshes every symbol once.
func (e *Engine) PollNow(ctx context.Context) PollReport { return e.poller.PollNow(ctx) }

// Status reports connection, fallback, storage and notification health.
func (e *Engine) Status() Status {
	conn := e.supervisor.State()
	live := e.supervisor.Live()
	pollRunning := e.poller.Running()
	mode := e.poller.Mode()

	e.mu.Lock()
	storageDegraded, storageWarning, loadFailed := e.storageDegraded, e.storageWarning, e.loadFailed
	e.mu.Unlock()

	return Status{
		Connection:          conn,
		LiveMode:            live,
		Degraded:            live && (conn.CircuitOpen || conn.Status != schema.StatusConnected),
		FallbackOnly:        live && pollRunning && mode == PollPrimary,
		PollMode:            mode,
		PollInterval:        e.poller.EffectiveInterval(),
		StorageDegraded:     storageDegraded,
		StorageWarning:      storageWarning,
		StorageLoadFailed:   loadFailed,
		NotificationsDenied: e.alerts.NotificationsDenied(),
		Watched:             e.watchlist.Len(),
	}
}

func (e *Engine) onWatchlistChange(change Change) {
	e.scheduleSave()
	if change.SymbolsChanged {
		e.supervisor.Resubscribe()
	}
}

func (e *Engine) scheduleSave() {
	if e.store == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.saveCancel != nil || e.loadFailed {
		return
	}
	e.saveCancel = e.sched.After(e.ctx, e.debounce, func() {
		e.mu.Lock()
		e.saveCancel = nil
		e.mu.Unlock()
		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()
		_ = e.save(ctx)
	})
}

// Flush writes pending state immediately.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.mu.Lock()
	if e.saveCancel != nil {
		e.saveCancel()
		e.saveCancel = nil
	}
	e.mu.Unlock()
	return e.save(ctx)
}

func (e *Engine) save(ctx context.Context) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	e.mu.Lock()
	loadFailed := e.loadFailed
	e.mu.Unlock()
	if loadFailed {
		e.metrics.save("skipped")
		return errs.New("engine/save", errs.CodeUnavailable,
			errs.WithMessage("persisted state not loaded; save withheld"))
	}
	state := statestore.SavedState{
		Version:      statestore.CurrentVersion,
		WatchedItems: e.watchlist.Snapshot(),
		Settings:     e.Settings(),
	}
	if err := e.store.Save(ctx, state); err != nil {
		e.metrics.save("error")
		e.degradeStorage(err)
		return err
	}
	e.metrics.save("ok")
	e.mu.Lock()
	recovered := e.storageDegraded
	e.storageDegraded = false
	e.storageWarning = ""
	e.mu.Unlock()
	if recovered {
		e.logger.Printf("storage recovered")
	}
	return nil
}

func (e *Engine) degradeStorage(err error) {
	e.mu.Lock()
	first := !e.storageDegraded
	e.storageDegraded = true
	e.storageWarning = err.Error()
	e.mu.Unlock()
	if first {
		e.logger.Printf("storage unavailable, continuing in memory: %v", err)
	}
}
