// Package errs provides structured error types and helpers for pricewatch services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category.
type Code string

const (
	// CodeTransport indicates a stream open/close/protocol failure.
	CodeTransport Code = "transport"
	// CodeRateLimited indicates that a provider or transport signalled throttling.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates malformed inbound data or invalid user input.
	CodeInvalid Code = "invalid_request"
	// CodeStorage indicates a persistence read/write failure.
	CodeStorage Code = "storage"
	// CodePermission indicates that a notification dispatch was refused.
	CodePermission Code = "permission"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a uniqueness violation such as a duplicate symbol.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the pricewatch stack.
type E struct {
	Component  string
	Code       Code
	HTTP       int
	Symbol     string
	Message    string
	RetryAfter time.Duration
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:  strings.TrimSpace(component),
		Code:       code,
		HTTP:       0,
		Symbol:     "",
		Message:    "",
		RetryAfter: 0,
		Metadata:   nil,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithSymbol records the instrument symbol the failure relates to.
func WithSymbol(symbol string) Option {
	trimmed := strings.TrimSpace(symbol)
	return func(e *E) {
		e.Symbol = trimmed
	}
}

// WithRetryAfter records a provider supplied retry hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Symbol != "" {
		parts = append(parts, "symbol="+e.Symbol)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the error chain.
func CodeOf(err error) (Code, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code, true
	}
	return "", false
}

// Is reports whether any envelope in the chain carries the code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// IsRateLimited reports whether err signals throttling.
func IsRateLimited(err error) bool { return Is(err, CodeRateLimited) }

// IsPermission reports whether err signals a refused notification dispatch.
func IsPermission(err error) bool { return Is(err, CodePermission) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return Is(err, CodeInvalid) }

// Invalid is shorthand for a validation error.
func Invalid(component, message string, opts ...Option) *E {
	return New(component, CodeInvalid, append([]Option{WithMessage(message)}, opts...)...)
}
