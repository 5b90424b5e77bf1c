package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a provider failure.
type Kind int

const (
	// Unavailable covers network errors and 5xx responses.
	Unavailable Kind = iota
	// RateLimited means the provider asked us to slow down.
	RateLimited
	// Timeout means the request deadline passed.
	Timeout
	// InvalidInput means the provider will never accept this text.
	InvalidInput
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return "unavailable"
	}
}

// Sentinels matched by errors.Is against a *ProviderError of the same Kind.
var (
	ErrUnavailable  = errors.New("embedding provider unavailable")
	ErrRateLimited  = errors.New("embedding provider rate limited")
	ErrTimeout      = errors.New("embedding provider timeout")
	ErrInvalidInput = errors.New("embedding provider rejected input")
)

var (
	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")
	// ErrNotNormalized is returned by Verify when the provider does not
	// produce unit-norm vectors and renormalization is off.
	ErrNotNormalized = errors.New("embedding vectors are not unit norm")
)

// ProviderError describes a failed embedding call.
type ProviderError struct {
	Kind       Kind
	Provider   string
	StatusCode int
	// RetryAfter is the provider's requested pause, when it sent one.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("embeddings %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case RateLimited:
		return ErrRateLimited
	case Timeout:
		return ErrTimeout
	case InvalidInput:
		return ErrInvalidInput
	default:
		return ErrUnavailable
	}
}

// Permanent reports whether retrying the same input cannot succeed.
func (e *ProviderError) Permanent() bool { return e.Kind == InvalidInput }

// IsPermanent reports whether err is a permanent provider rejection.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}

// KindOf returns the Kind carried by err. Errors that are not provider
// errors count as Unavailable.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unavailable
}

// kindForStatus maps an HTTP status to a Kind.
func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusBadRequest || code == http.StatusRequestEntityTooLarge ||
		code == http.StatusUnprocessableEntity:
		return InvalidInput
	default:
		return Unavailable
	}
}

// transportError wraps a failure that happened before a response arrived.
func transportError(provider string, err error) *ProviderError {
	kind := Unavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = Timeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		kind = Timeout
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
