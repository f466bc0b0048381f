package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesSymbolAndMetadata(t *testing.T) {
	err := New(
		"finnhub/rest",
		CodeRateLimited,
		WithHTTP(429),
		WithSymbol("AAPL"),
		WithMessage("too many requests"),
		WithRetryAfter(2*time.Second),
		WithField("endpoint", "/quote"),
		WithField("request_id", "req-123"),
		WithCause(errors.New("finnhub http 429")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=finnhub/rest") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rate_limited") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "symbol=AAPL") {
		t.Fatalf("expected symbol in error string: %s", out)
	}
	if !strings.Contains(out, "retry_after=2s") {
		t.Fatalf("expected retry hint in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/quote\",request_id=\"req-123\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"finnhub http 429\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestIsWalksWrappedEnvelopes(t *testing.T) {
	inner := New("notify/webhook", CodePermission, WithMessage("forbidden"))
	outer := New("engine/alerts", CodeTransport, WithCause(inner))
	wrapped := fmt.Errorf("dispatch: %w", outer)

	if !IsPermission(wrapped) {
		t.Fatalf("expected permission code to be found in chain")
	}
	if !Is(wrapped, CodeTransport) {
		t.Fatalf("expected transport code to be found in chain")
	}
	if IsRateLimited(wrapped) {
		t.Fatalf("did not expect rate limited code")
	}
	code, ok := CodeOf(wrapped)
	if !ok || code != CodeTransport {
		t.Fatalf("expected outermost code transport, got %q", code)
	}
}

func TestIsPlainError(t *testing.T) {
	if Is(errors.New("boom"), CodeInvalid) {
		t.Fatalf("plain errors carry no code")
	}
	if _, ok := CodeOf(nil); ok {
		t.Fatalf("nil error carries no code")
	}
}

func TestInvalidShorthand(t *testing.T) {
	err := Invalid("engine/watchlist", " threshold must be positive ", WithSymbol("MSFT"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error")
	}
	if err.Message != "threshold must be positive" {
		t.Fatalf("expected trimmed message, got %q", err.Message)
	}
	if err.Symbol != "MSFT" {
		t.Fatalf("expected symbol MSFT, got %q", err.Symbol)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
