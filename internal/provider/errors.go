package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"marketfeed/internal/httpx"
)

var (
	ErrUnavailable           = errors.New("provider unavailable")
	ErrRateLimited           = errors.New("provider rate limited")
	ErrMalformedResponse     = errors.New("provider returned malformed response")
	ErrTimeout               = errors.New("provider timeout")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrConfiguration         = errors.New("configuration error")
)

// Error describes one failed adapter call. Kind is one of the Err* sentinels.
type Error struct {
	Provider string
	Symbol   string
	Kind     error
	Snippet  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Symbol, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Unavailable(name, symbol string, err error) *Error {
	return &Error{Provider: name, Symbol: symbol, Kind: ErrUnavailable, Err: err}
}

func RateLimited(name, symbol string, err error) *Error {
	return &Error{Provider: name, Symbol: symbol, Kind: ErrRateLimited, Err: err}
}

func Timeout(name, symbol string, err error) *Error {
	return &Error{Provider: name, Symbol: symbol, Kind: ErrTimeout, Err: err}
}

// Malformed keeps at most 256 bytes of the offending body for logging.
func Malformed(name, symbol string, body []byte, err error) *Error {
	return &Error{Provider: name, Symbol: symbol, Kind: ErrMalformedResponse, Snippet: httpx.Snippet(body), Err: err}
}

// Classify maps transport level failures onto the provider error taxonomy.
// Errors that are already classified pass through.
func Classify(name, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	var se *httpx.StatusError
	if errors.As(err, &se) {
		if se.Code == 429 {
			return RateLimited(name, symbol, err)
		}
		return Unavailable(name, symbol, err)
	}
	var de *httpx.DecodeError
	if errors.As(err, &de) {
		return &Error{Provider: name, Symbol: symbol, Kind: ErrMalformedResponse, Snippet: httpx.Snippet(de.Body), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(name, symbol, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout(name, symbol, err)
	}
	return Unavailable(name, symbol, err)
}

// ConfigurationError is fatal at construction time.
type ConfigurationError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Component, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

func ConfigErr(component, field, reason string) *ConfigurationError {
	return &ConfigurationError{Component: component, Field: field, Reason: reason}
}
