package finnhub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/engine"
)

const streamComponent = "finnhub/stream"

type subscribeRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// Transport opens websocket streams. Each Open dials a fresh connection and
// reports its lifecycle through the handler from a background goroutine.
type Transport struct {
	opts StreamOptions
}

// NewTransport constructs a websocket transport.
func NewTransport(opts StreamOptions) *Transport {
	return &Transport{opts: opts.withDefaults()}
}

// Open starts connecting and returns immediately. The handler sees OnOpen once
// subscriptions are written, OnMessage per frame, and exactly one of OnError
// (dial or subscribe failure) or OnClose (connection lost) unless the stream
// was closed by the caller.
func (t *Transport) Open(ctx context.Context, symbols []string, h engine.StreamHandler) (engine.Stream, error) {
	if h == nil {
		return nil, errs.Invalid(streamComponent, "stream handler required")
	}
	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:     streamCtx,
		cancel:  cancel,
		handler: h,
		symbols: append([]string(nil), symbols...),
		opts:    t.opts,
		logger:  t.opts.Logger,
		done:    make(chan struct{}),
	}
	go s.run(endpoint)
	return s, nil
}

func (t *Transport) endpoint() (string, error) {
	u, err := url.Parse(t.opts.URL)
	if err != nil {
		return "", errs.New(streamComponent, errs.CodeInvalid, errs.WithMessage("invalid stream url"), errs.WithCause(err))
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", errs.Invalid(streamComponent, "stream url must use ws or wss", errs.WithField("url", t.opts.URL))
	}
	if t.opts.APIKey != "" {
		q := u.Query()
		q.Set("token", t.opts.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	handler engine.StreamHandler
	symbols []string
	opts    StreamOptions
	logger  *log.Logger
	done    chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Close tears the connection down without reporting it to the handler.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) run(endpoint string) {
	defer close(s.done)
	defer s.cancel()

	dialCtx, cancelDial := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{HTTPClient: s.opts.HTTPClient})
	cancelDial()
	if err != nil {
		if s.isClosed() {
			return
		}
		opts := []errs.Option{errs.WithMessage("dial stream"), errs.WithCause(err)}
		code := errs.CodeTransport
		if resp != nil {
			opts = append(opts, errs.WithHTTP(resp.StatusCode))
			if resp.StatusCode == http.StatusTooManyRequests {
				code = errs.CodeRateLimited
			}
		}
		s.handler.OnError(errs.New(streamComponent, code, opts...))
		return
	}
	conn.SetReadLimit(streamReadLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(conn); err != nil {
		if !s.isClosed() {
			s.handler.OnError(err)
		}
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.handler.OnOpen()

	err = s.readLoop(conn)
	if s.isClosed() {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.handler.OnClose(err)
}

func (s *stream) subscribe(conn *websocket.Conn) error {
	for _, symbol := range s.symbols {
		payload, err := json.Marshal(subscribeRequest{Type: "subscribe", Symbol: symbol})
		if err != nil {
			return fmt.Errorf("marshal subscribe: %w", err)
		}
		writeCtx, cancel := context.WithTimeout(s.ctx, subscribeWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return errs.New(streamComponent, errs.CodeTransport, errs.WithSymbol(symbol),
				errs.WithMessage("write subscribe"), errs.WithCause(err))
		}
	}
	if len(s.symbols) > 0 {
		s.logger.Printf("subscribed %s", strings.Join(s.symbols, ","))
	}
	return nil
}

// readLoop returns the error that ended the connection. With an idle timeout
// configured a silent connection counts as lost.
func (s *stream) readLoop(conn *websocket.Conn) error {
	for {
		readCtx, cancel := s.ctx, context.CancelFunc(func() {})
		if s.opts.IdleTimeout > 0 {
			readCtx, cancel = context.WithTimeout(s.ctx, s.opts.IdleTimeout)
		}
		_, data, err := conn.Read(readCtx)
		idle := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if idle {
				return errs.New(streamComponent, errs.CodeTransport,
					errs.WithMessage(fmt.Sprintf("no data for %s", s.opts.IdleTimeout)))
			}
			return errs.New(streamComponent, errs.CodeTransport,
				errs.WithMessage("read stream"), errs.WithCause(err))
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		s.handler.OnMessage(data)
	}
}
