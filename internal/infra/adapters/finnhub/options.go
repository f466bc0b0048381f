// Package finnhub implements the quote provider and the streaming transport
// against the Finnhub REST and websocket APIs.
package finnhub

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultRESTURL           = "https://finnhub.io/api/v1"
	defaultStreamURL         = "wss://ws.finnhub.io"
	defaultHTTPTimeout       = 10 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultRequestsPerSecond = 1.0
	defaultBurst             = 5
	streamReadLimit          = 1 << 20
	subscribeWriteTimeout    = 5 * time.Second
)

// ClientOptions configures the REST quote client.
type ClientOptions struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *log.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		o.BaseURL = defaultRESTURL
	}
	o.APIKey = strings.TrimSpace(o.APIKey)
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = defaultRequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = defaultBurst
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "finnhub ", log.LstdFlags|log.Lmicroseconds)
	}
	return o
}

// StreamOptions configures the websocket transport. A zero IdleTimeout
// disables stall detection.
type StreamOptions struct {
	URL              string
	APIKey           string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	HTTPClient       *http.Client
	Logger           *log.Logger
}

func (o StreamOptions) withDefaults() StreamOptions {
	o.URL = strings.TrimSpace(o.URL)
	if o.URL == "" {
		o.URL = defaultStreamURL
	}
	o.APIKey = strings.TrimSpace(o.APIKey)
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.IdleTimeout < 0 {
		o.IdleTimeout = 0
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "finnhub-stream ", log.LstdFlags|log.Lmicroseconds)
	}
	return o
}
