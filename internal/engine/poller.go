package engine

import (
	"context"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

const (
	// DefaultPollInterval is the configured polling cadence.
	DefaultPollInterval = 15 * time.Second
	// DefaultPerSymbolFloor spaces requests so a watchlist stays inside a 60 calls/minute budget.
	DefaultPerSymbolFloor = time.Second
	// DefaultBackstopProbability is the chance a backstop tick actually polls.
	DefaultBackstopProbability = 0.1
	defaultPollConcurrency     = 4
	defaultFetchTimeout        = 10 * time.Second
)

// PollMode selects how aggressively the poller runs.
type PollMode string

const (
	// PollPrimary polls every tick; the stream is unavailable.
	PollPrimary PollMode = "primary"
	// PollBackstop polls a fraction of ticks while the stream is healthy.
	PollBackstop PollMode = "backstop"
)

// QuoteProvider fetches a point-in-time quote.
type QuoteProvider interface {
	FetchQuote(ctx context.Context, symbol string) (schema.Quote, error)
}

// QuoteSink is the ingestion point fed by the stream and the poller.
type QuoteSink interface {
	ApplyQuote(ctx context.Context, symbol string, quote schema.Quote) ApplyResult
	Symbols() []string
}

// PollerOptions configures a Poller. A negative PerSymbolFloor disables
// interval scaling.
type PollerOptions struct {
	Interval            time.Duration
	PerSymbolFloor      time.Duration
	BackstopProbability float64
	MaxConcurrency      int
	FetchTimeout        time.Duration
	Scheduler           Scheduler
	Rand                func() float64
	Logger              *log.Logger
}

// PollReport summarises one polling pass.
type PollReport struct {
	Symbols int `json:"symbols"`
	Applied int `json:"applied"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

// Poller periodically fetches quotes for every watched symbol.
type Poller struct {
	provider QuoteProvider
	sink     QuoteSink
	opts     PollerOptions
	sched    Scheduler
	logger   *log.Logger
	metrics  *engineMetrics

	mu         sync.Mutex
	running    bool
	mode       PollMode
	interval   time.Duration
	gen        uint64
	ctx        context.Context
	cancel     context.CancelFunc
	cancelTick func()

	ticks atomic.Int64
}

// NewPoller builds a stopped poller in primary mode.
func NewPoller(provider QuoteProvider, sink QuoteSink, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	switch {
	case opts.PerSymbolFloor == 0:
		opts.PerSymbolFloor = DefaultPerSymbolFloor
	case opts.PerSymbolFloor < 0:
		opts.PerSymbolFloor = 0
	}
	if opts.BackstopProbability <= 0 || opts.BackstopProbability > 1 {
		opts.BackstopProbability = DefaultBackstopProbability
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = defaultPollConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "poller ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Poller{
		provider: provider,
		sink:     sink,
		opts:     opts,
		sched:    schedulerOrDefault(opts.Scheduler),
		logger:   logger,
		mode:     PollPrimary,
		interval: opts.Interval,
	}
}

// Start begins ticking. intervalHint overrides the configured interval when positive.
func (p *Poller) Start(intervalHint time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if intervalHint > 0 {
		p.interval = intervalHint
	}
	if p.running {
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	first := p.effectiveIntervalLocked()
	if p.mode == PollPrimary {
		first = 0
	}
	p.scheduleLocked(first)
	p.logger.Printf("started: mode=%s interval=%s", p.mode, p.interval)
}

// Stop cancels the pending tick and any in-flight fetches.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.gen++
	if p.cancelTick != nil {
		p.cancelTick()
		p.cancelTick = nil
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Printf("stopped")
}

// SetMode switches between primary and backstop polling. Entering primary
// mode while running polls immediately.
func (p *Poller) SetMode(mode PollMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == mode {
		return
	}
	p.mode = mode
	p.logger.Printf("mode=%s", mode)
	if p.running && mode == PollPrimary {
		p.scheduleLocked(0)
	}
}

// Mode returns the current mode.
func (p *Poller) Mode() PollMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Running reports whether the poller is ticking.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetInterval changes the configured interval from the next tick on.
func (p *Poller) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
}

// EffectiveInterval is max(interval, perSymbolFloor * watched symbols).
func (p *Poller) EffectiveInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.effectiveIntervalLocked()
}

func (p *Poller) effectiveIntervalLocked() time.Duration {
	floor := p.opts.PerSymbolFloor * time.Duration(len(p.sink.Symbols()))
	if floor > p.interval {
		return floor
	}
	return p.interval
}

func (p *Poller) scheduleLocked(delay time.Duration) {
	if p.cancelTick != nil {
		p.cancelTick()
	}
	p.gen++
	gen := p.gen
	p.cancelTick = p.sched.After(p.ctx, delay, func() { p.tick(gen) })
}

func (p *Poller) tick(gen uint64) {
	p.mu.Lock()
	if !p.running || gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	mode := p.mode
	p.mu.Unlock()

	p.ticks.Add(1)
	if mode == PollPrimary || p.opts.Rand() < p.opts.BackstopProbability {
		started := time.Now()
		report := p.poll(ctx)
		p.metrics.pollPass(mode, time.Since(started))
		if report.Failed > 0 {
			p.logger.Printf("tick: mode=%s symbols=%d applied=%d failed=%d", mode, report.Symbols, report.Applied, report.Failed)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running && gen == p.gen {
		p.scheduleLocked(p.effectiveIntervalLocked())
	}
}

// PollNow fetches every watched symbol once, regardless of mode.
func (p *Poller) PollNow(ctx context.Context) PollReport {
	return p.poll(ctx)
}

func (p *Poller) poll(ctx context.Context) PollReport {
	symbols := p.sink.Symbols()
	report := PollReport{Symbols: len(symbols)}
	if len(symbols) == 0 || p.provider == nil {
		return report
	}
	var applied, dropped, failed atomic.Int64
	workers := pool.New().WithMaxGoroutines(p.opts.MaxConcurrency)
	for _, symbol := range symbols {
		workers.Go(func() {
			switch p.fetchOne(ctx, symbol) {
			case fetchApplied:
				applied.Add(1)
			case fetchDropped:
				dropped.Add(1)
			default:
				failed.Add(1)
			}
		})
	}
	workers.Wait()
	report.Applied = int(applied.Load())
	report.Dropped = int(dropped.Load())
	report.Failed = int(failed.Load())
	return report
}

type fetchResult int

const (
	fetchFailed fetchResult = iota
	fetchApplied
	fetchDropped
)

func (p *Poller) fetchOne(ctx context.Context, symbol string) (result fetchResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Printf("fetch %s panicked: %v", symbol, r)
			p.metrics.pollFetch("panic")
			result = fetchFailed
		}
	}()
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()
	quote, err := p.provider.FetchQuote(fetchCtx, symbol)
	if err != nil {
		switch {
		case errs.IsRateLimited(err):
			p.metrics.pollFetch("rate_limited")
		case ctx.Err() != nil:
			p.metrics.pollFetch("cancelled")
			return fetchFailed
		default:
			p.metrics.pollFetch("error")
		}
		p.logger.Printf("fetch %s: %v", symbol, err)
		return fetchFailed
	}
	p.metrics.pollFetch("ok")
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	quote.Source = schema.SourcePoll
	if p.sink.ApplyQuote(ctx, symbol, quote).Applied() {
		return fetchApplied
	}
	return fetchDropped
}

// Ticks returns how many scheduled ticks have fired.
func (p *Poller) Ticks() int64 {
	return p.ticks.Load()
}
