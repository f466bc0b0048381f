package engine

import (
	"context"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/pricewatch/internal/domain/schema"
)

var epoch = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	if t.After(c.now) {
		c.now = t
	}
	c.mu.Unlock()
}

type manualTask struct {
	at        time.Time
	seq       int
	fn        func()
	cancelled bool
}

// manualScheduler fires tasks only when the test advances time.
type manualScheduler struct {
	mu    sync.Mutex
	clock *fakeClock
	seq   int
	tasks []*manualTask
}

func newManualScheduler(clock *fakeClock) *manualScheduler {
	return &manualScheduler{clock: clock}
}

func (m *manualScheduler) After(_ context.Context, d time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	task := &manualTask{at: m.clock.Now().Add(d), seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, task)
	return func() {
		m.mu.Lock()
		task.cancelled = true
		m.mu.Unlock()
	}
}

// Advance moves the clock forward by d, running due tasks in time order.
func (m *manualScheduler) Advance(d time.Duration) {
	target := m.clock.Now().Add(d)
	for {
		m.mu.Lock()
		live := m.tasks[:0]
		for _, task := range m.tasks {
			if !task.cancelled {
				live = append(live, task)
			}
		}
		m.tasks = live
		sort.SliceStable(m.tasks, func(i, j int) bool {
			if m.tasks[i].at.Equal(m.tasks[j].at) {
				return m.tasks[i].seq < m.tasks[j].seq
			}
			return m.tasks[i].at.Before(m.tasks[j].at)
		})
		if len(m.tasks) == 0 || m.tasks[0].at.After(target) {
			m.mu.Unlock()
			m.clock.set(target)
			return
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()
		m.clock.set(task.at)
		task.fn()
	}
}

func (m *manualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, task := range m.tasks {
		if !task.cancelled {
			count++
		}
	}
	return count
}

type fakeStream struct {
	handler StreamHandler
	symbols []string
	closed  atomic.Bool
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (t *fakeTransport) Open(_ context.Context, symbols []string, h StreamHandler) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	stream := &fakeStream{handler: h, symbols: append([]string(nil), symbols...)}
	t.streams = append(t.streams, stream)
	return stream, nil
}

func (t *fakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *fakeTransport) Last() *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

type fakeProvider struct {
	mu     sync.Mutex
	quotes map[string]schema.Quote
	errors map[string]error
	calls  map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		quotes: make(map[string]schema.Quote),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (p *fakeProvider) set(symbol string, quote schema.Quote) {
	p.mu.Lock()
	quote.Symbol = symbol
	p.quotes[symbol] = quote
	p.mu.Unlock()
}

func (p *fakeProvider) fail(symbol string, err error) {
	p.mu.Lock()
	p.errors[symbol] = err
	p.mu.Unlock()
}

func (p *fakeProvider) FetchQuote(_ context.Context, symbol string) (schema.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[symbol]++
	if err := p.errors[symbol]; err != nil {
		return schema.Quote{}, err
	}
	quote, ok := p.quotes[symbol]
	if !ok {
		return schema.Quote{}, context.DeadlineExceeded
	}
	return quote, nil
}

func (p *fakeProvider) Calls(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[symbol]
}

func (p *fakeProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

type dispatched struct {
	title    string
	body     string
	metadata map[string]string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  []dispatched
	calls int
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, title, body string, metadata map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, dispatched{title: title, body: body, metadata: metadata})
	return nil
}

func (d *recordingDispatcher) Sent() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.sent...)
}

func (d *recordingDispatcher) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *recordingDispatcher) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type fakePoller struct {
	mu      sync.Mutex
	running bool
	mode    PollMode
	starts  int
}

func (p *fakePoller) Start(time.Duration) {
	p.mu.Lock()
	p.running = true
	p.starts++
	p.mu.Unlock()
}

func (p *fakePoller) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *fakePoller) SetMode(mode PollMode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

func (p *fakePoller) State() (bool, PollMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.mode
}

func price(symbol string, value float64, at time.Time) schema.Quote {
	return schema.Quote{Symbol: symbol, Price: value, Timestamp: at, Source: schema.SourceStream}
}
