package finnhub

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/pricewatch/errs"
	"github.com/coachpo/pricewatch/internal/domain/schema"
)

const quoteComponent = "finnhub/quote"

type quoteResponse struct {
	Current       float64  `json:"c"`
	Change        *float64 `json:"d"`
	PercentChange *float64 `json:"dp"`
	High          float64  `json:"h"`
	Low           float64  `json:"l"`
	Open          float64  `json:"o"`
	PreviousClose float64  `json:"pc"`
	Timestamp     int64    `json:"t"`
}

// Client fetches quotes over REST within a client-side call budget.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewClient constructs a REST client.
func NewClient(opts ClientOptions) *Client {
	opts = opts.withDefaults()
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:  opts.Logger,
	}
}

// FetchQuote returns the latest quote for symbol. A 429 yields a rate limited
// error carrying the Retry-After hint; an all-zero body means the symbol is
// unknown and yields a validation error.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (schema.Quote, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if err := schema.ValidateSymbol(symbol); err != nil {
		return schema.Quote{}, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return schema.Quote{}, fmt.Errorf("quote budget: %w", err)
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	if c.apiKey != "" {
		params.Set("token", c.apiKey)
	}
	endpoint := c.baseURL + "/quote?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return schema.Quote{}, fmt.Errorf("create quote request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Finnhub-Token", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return schema.Quote{}, errs.New(quoteComponent, errs.CodeTransport,
			errs.WithSymbol(symbol), errs.WithMessage("request quote"), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return schema.Quote{}, errs.New(quoteComponent, errs.CodeRateLimited,
			errs.WithSymbol(symbol), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("quote rate limited"),
			errs.WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return schema.Quote{}, errs.New(quoteComponent, errs.CodeTransport,
			errs.WithSymbol(symbol), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage("api key rejected"), errs.WithField("reason", "auth"))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return schema.Quote{}, errs.New(quoteComponent, errs.CodeTransport,
			errs.WithSymbol(symbol), errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(strings.TrimSpace(string(body))))
	}

	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return schema.Quote{}, errs.New(quoteComponent, errs.CodeInvalid,
			errs.WithSymbol(symbol), errs.WithMessage("decode quote"), errs.WithCause(err))
	}
	return payload.toQuote(symbol)
}

func (r quoteResponse) toQuote(symbol string) (schema.Quote, error) {
	if r.Current <= 0 {
		return schema.Quote{}, errs.Invalid(quoteComponent, "unknown symbol", errs.WithSymbol(symbol))
	}
	quote := schema.Quote{
		Symbol:        symbol,
		Price:         r.Current,
		High:          schema.PositiveFloat(r.High),
		Low:           schema.PositiveFloat(r.Low),
		Open:          schema.PositiveFloat(r.Open),
		PreviousClose: schema.PositiveFloat(r.PreviousClose),
		Change:        r.Change,
		PercentChange: r.PercentChange,
		Source:        schema.SourcePoll,
	}
	if r.Timestamp > 0 {
		quote.Timestamp = time.Unix(r.Timestamp, 0).UTC()
	}
	if err := quote.Validate(); err != nil {
		return schema.Quote{}, err
	}
	return quote, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
