package engine

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

const (
	// DefaultBaseDelay is the first retry delay.
	DefaultBaseDelay = time.Second
	// DefaultMaxDelay caps retry delays.
	DefaultMaxDelay = 16 * time.Second
	// DefaultMaxAttempts is the number of scheduled retries before the circuit opens.
	DefaultMaxAttempts = 5
	// DefaultMinAttemptInterval separates consecutive connection attempts.
	DefaultMinAttemptInterval = time.Second
	// DefaultErrorCooldown is how long the circuit stays open before retrying.
	DefaultErrorCooldown = 2 * time.Minute
)

// StreamHandler receives transport events for one connection.
type StreamHandler interface {
	OnOpen()
	OnMessage(raw []byte)
	OnClose(err error)
	OnError(err error)
}

// Stream is one open (or opening) connection.
type Stream interface {
	Close() error
}

// Transport opens push connections. Open must return without waiting for the
// connection to be established and reports progress through h.
type Transport interface {
	Open(ctx context.Context, symbols []string, h StreamHandler) (Stream, error)
}

// PollerControl is the part of the poller the supervisor drives.
type PollerControl interface {
	Start(intervalHint time.Duration)
	Stop()
	SetMode(mode PollMode)
}

// SupervisorOptions configures a Supervisor. A negative MinAttemptInterval
// disables the attempt spacing.
type SupervisorOptions struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxAttempts        int
	MinAttemptInterval time.Duration
	ErrorCooldown      time.Duration
	Clock              Clock
	Scheduler          Scheduler
	Logger             *log.Logger
}

// Supervisor owns the stream lifecycle: retries with exponential backoff, opens
// a circuit after repeated failures and keeps the poller in the right mode.
type Supervisor struct {
	transport Transport
	sink      QuoteSink
	poller    PollerControl
	opts      SupervisorOptions
	now       Clock
	sched     Scheduler
	logger    *log.Logger
	metrics   *engineMetrics

	mu             sync.Mutex
	state          schema.ConnectionState
	live           bool
	gen            uint64
	stream         Stream
	backoff        *backoff.ExponentialBackOff
	ctx            context.Context
	cancel         context.CancelFunc
	cancelRetry    func()
	cancelCooldown func()
	onState        []func(schema.ConnectionState)
}

// NewSupervisor wires a supervisor. transport may be nil, in which case only
// the poller runs.
func NewSupervisor(transport Transport, sink QuoteSink, poller PollerControl, opts SupervisorOptions) *Supervisor {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	switch {
	case opts.MinAttemptInterval == 0:
		opts.MinAttemptInterval = DefaultMinAttemptInterval
	case opts.MinAttemptInterval < 0:
		opts.MinAttemptInterval = 0
	}
	if opts.ErrorCooldown <= opts.MaxDelay {
		opts.ErrorCooldown = DefaultErrorCooldown
		if opts.ErrorCooldown <= opts.MaxDelay {
			opts.ErrorCooldown = 2 * opts.MaxDelay
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "supervisor ", log.LstdFlags|log.Lmicroseconds)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		transport: transport,
		sink:      sink,
		poller:    poller,
		opts:      opts,
		now:       clockOrDefault(opts.Clock),
		sched:     schedulerOrDefault(opts.Scheduler),
		logger:    logger,
		state:     schema.ConnectionState{Status: schema.StatusDisconnected},
		ctx:       ctx,
		cancel:    cancel,
	}
	s.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     opts.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         opts.MaxDelay,
	}
	s.backoff.Reset()
	return s
}

// OnStateChange registers fn to observe every state transition.
func (s *Supervisor) OnStateChange(fn func(schema.ConnectionState)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onState = append(s.onState, fn)
	s.mu.Unlock()
}

// State returns a copy of the connection state.
func (s *Supervisor) State() schema.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live reports whether the supervisor has been started and not stopped.
func (s *Supervisor) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Start enables live updates. It is a no-op while an attempt is in flight,
// connected, waiting to retry or while the circuit is open.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.live = true
	if s.poller != nil {
		s.poller.Start(0)
		if s.state.Status != schema.StatusConnected {
			s.poller.SetMode(PollPrimary)
		}
	}
	switch s.state.Status {
	case schema.StatusConnecting, schema.StatusConnected, schema.StatusReconnecting:
		s.mu.Unlock()
		return
	}
	if s.state.CircuitOpen || s.transport == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.attempt()
}

// Stop disables live updates: the stream is closed, pending retries are
// cancelled and the poller stops. An open circuit stays open until its cooldown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.live = false
	s.gen++
	stream := s.stream
	s.stream = nil
	s.clearRetryLocked()
	if !s.state.CircuitOpen {
		s.state.Status = schema.StatusDisconnected
		s.state.NextAttemptAt = time.Time{}
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	closeStream(stream)
	s.logger.Printf("stopped")
	notifyState(listeners, snapshot)
}

// Shutdown stops the supervisor and releases its timers for good.
func (s *Supervisor) Shutdown() {
	s.Stop()
	s.mu.Lock()
	if s.cancelCooldown != nil {
		s.cancelCooldown()
		s.cancelCooldown = nil
	}
	s.mu.Unlock()
	s.cancel()
}

// ResetCircuit closes an open circuit and, when live, attempts immediately.
func (s *Supervisor) ResetCircuit() {
	s.mu.Lock()
	if !s.state.CircuitOpen {
		s.mu.Unlock()
		return
	}
	s.logger.Printf("circuit reset by operator")
	s.closeCircuitLocked()
	live := s.live
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	notifyState(listeners, snapshot)
	if live {
		s.attempt()
	}
}

// Resubscribe reopens the stream with the current symbol set. It does not
// count as a failure.
func (s *Supervisor) Resubscribe() {
	s.mu.Lock()
	if !s.live || s.transport == nil {
		s.mu.Unlock()
		return
	}
	switch s.state.Status {
	case schema.StatusConnected, schema.StatusConnecting:
	default:
		// a pending retry picks up the new symbols on its own
		s.mu.Unlock()
		return
	}
	s.gen++
	stream := s.stream
	s.stream = nil
	s.state.Status = schema.StatusDisconnected
	s.mu.Unlock()

	closeStream(stream)
	s.logger.Printf("resubscribing")
	s.attempt()
}

func (s *Supervisor) attempt() {
	s.mu.Lock()
	if !s.live || s.state.CircuitOpen || s.transport == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if !s.state.LastAttemptAt.IsZero() && s.opts.MinAttemptInterval > 0 {
		if wait := s.opts.MinAttemptInterval - now.Sub(s.state.LastAttemptAt); wait > 0 {
			s.state.Status = schema.StatusReconnecting
			s.scheduleRetryLocked(now, wait)
			snapshot, listeners := s.state, s.listenersLocked()
			s.mu.Unlock()
			notifyState(listeners, snapshot)
			return
		}
	}
	s.clearRetryLocked()
	s.gen++
	gen := s.gen
	s.state.Status = schema.StatusConnecting
	s.state.LastAttemptAt = now
	s.state.NextAttemptAt = time.Time{}
	ctx := s.ctx
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	s.metrics.streamAttempt()
	notifyState(listeners, snapshot)

	var symbols []string
	if s.sink != nil {
		symbols = s.sink.Symbols()
	}
	stream, err := s.transport.Open(ctx, symbols, &connHandler{s: s, gen: gen})

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		closeStream(stream)
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.fail(gen, err)
		return
	}
	s.stream = stream
	s.mu.Unlock()
}

func (s *Supervisor) opened(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state.Status != schema.StatusConnecting {
		s.mu.Unlock()
		return
	}
	s.state.Status = schema.StatusConnected
	s.state.Attempts = 0
	s.state.LastError = ""
	s.state.NextAttemptAt = time.Time{}
	s.backoff.Reset()
	if s.poller != nil {
		s.poller.SetMode(PollBackstop)
	}
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	s.logger.Printf("stream connected")
	notifyState(listeners, snapshot)
}

// fail records a failure for gen. Failures from stale generations, including
// a second close or error on a connection already torn down, are ignored.
func (s *Supervisor) fail(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	stream := s.stream
	s.stream = nil
	now := s.now()
	s.state.Attempts++
	if cause != nil {
		s.state.LastError = cause.Error()
	}
	if s.poller != nil {
		s.poller.SetMode(PollPrimary)
	}
	if s.state.Attempts > s.opts.MaxAttempts {
		s.openCircuitLocked(now)
	} else {
		delay := s.backoff.NextBackOff()
		if delay == backoff.Stop || delay > s.opts.MaxDelay {
			delay = s.opts.MaxDelay
		}
		s.state.Status = schema.StatusReconnecting
		s.scheduleRetryLocked(now, delay)
		s.logger.Printf("stream failure %d/%d, retrying in %s: %v", s.state.Attempts, s.opts.MaxAttempts, delay, cause)
	}
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	closeStream(stream)
	notifyState(listeners, snapshot)
}

func (s *Supervisor) openCircuitLocked(now time.Time) {
	s.clearRetryLocked()
	s.state.Status = schema.StatusError
	s.state.CircuitOpen = true
	s.state.CircuitOpenedAt = now
	s.state.NextAttemptAt = now.Add(s.opts.ErrorCooldown)
	s.metrics.circuitTrip()
	if s.cancelCooldown != nil {
		s.cancelCooldown()
	}
	s.cancelCooldown = s.sched.After(s.ctx, s.opts.ErrorCooldown, s.cooldownExpired)
	s.logger.Printf("circuit open after %d failures; polling only until %s", s.state.Attempts, s.state.NextAttemptAt.Format(time.RFC3339))
}

func (s *Supervisor) closeCircuitLocked() {
	if s.cancelCooldown != nil {
		s.cancelCooldown()
		s.cancelCooldown = nil
	}
	s.state.CircuitOpen = false
	s.state.CircuitOpenedAt = time.Time{}
	s.state.Status = schema.StatusDisconnected
	s.state.Attempts = 0
	s.state.NextAttemptAt = time.Time{}
	s.backoff.Reset()
}

func (s *Supervisor) cooldownExpired() {
	s.mu.Lock()
	if !s.state.CircuitOpen {
		s.mu.Unlock()
		return
	}
	s.cancelCooldown = nil
	s.closeCircuitLocked()
	live := s.live
	snapshot, listeners := s.state, s.listenersLocked()
	s.mu.Unlock()

	s.logger.Printf("circuit cooldown elapsed")
	notifyState(listeners, snapshot)
	if live {
		s.attempt()
	}
}

func (s *Supervisor) scheduleRetryLocked(now time.Time, delay time.Duration) {
	s.clearRetryLocked()
	s.state.NextAttemptAt = now.Add(delay)
	gen := s.gen
	s.cancelRetry = s.sched.After(s.ctx, delay, func() { s.retry(gen) })
}

func (s *Supervisor) clearRetryLocked() {
	if s.cancelRetry != nil {
		s.cancelRetry()
		s.cancelRetry = nil
	}
}

func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state.Status != schema.StatusReconnecting {
		s.mu.Unlock()
		return
	}
	s.cancelRetry = nil
	s.mu.Unlock()
	s.attempt()
}

func (s *Supervisor) message(gen uint64, raw []byte) {
	s.mu.Lock()
	current := gen == s.gen
	ctx := s.ctx
	s.mu.Unlock()
	if !current {
		return
	}
	msg, err := schema.ParseStreamMessage(raw)
	if err != nil {
		s.logger.Printf("dropping malformed stream message: %v", err)
		return
	}
	switch msg.Type {
	case schema.MessageTrade:
		if msg.Skipped > 0 {
			s.logger.Printf("skipped %d invalid trades in stream frame", msg.Skipped)
		}
		if s.sink == nil {
			return
		}
		for _, quote := range msg.Trades {
			quote.Source = schema.SourceStream
			s.sink.ApplyQuote(ctx, quote.Symbol, quote)
		}
	case schema.MessageError:
		if isThrottleMessage(msg.Message) {
			s.fail(gen, errs.New("supervisor/stream", errs.CodeRateLimited, errs.WithMessage(msg.Message)))
			return
		}
		s.logger.Printf("stream reported error: %s", msg.Message)
	}
}

func isThrottleMessage(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"limit", "throttl", "too many", "429"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func (s *Supervisor) listenersLocked() []func(schema.ConnectionState) {
	if len(s.onState) == 0 {
		return nil
	}
	return append([]func(schema.ConnectionState)(nil), s.onState...)
}

func notifyState(listeners []func(schema.ConnectionState), state schema.ConnectionState) {
	for _, fn := range listeners {
		fn(state)
	}
}

func closeStream(stream Stream) {
	if stream != nil {
		_ = stream.Close()
	}
}

// connHandler binds transport callbacks to the generation that opened them.
type connHandler struct {
	s   *Supervisor
	gen uint64
}

func (h *connHandler) OnOpen()              { h.s.opened(h.gen) }
func (h *connHandler) OnMessage(raw []byte) { h.s.message(h.gen, raw) }

func (h *connHandler) OnClose(err error) {
	if err == nil {
		err = errs.New("supervisor/stream", errs.CodeTransport, errs.WithMessage("stream closed"))
	}
	h.s.fail(h.gen, err)
}

func (h *connHandler) OnError(err error) {
	if err == nil {
		err = errors.New("stream error")
	}
	h.s.fail(h.gen, err)
}
