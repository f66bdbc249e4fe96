package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors surfaced by the pipeline.
var (
	ErrRobotsDisallowed    = errors.New("robots disallowed")
	ErrHostDenied          = errors.New("host denied by configuration")
	ErrBlocked             = errors.New("blocked by remote")
	ErrInsufficientContent = errors.New("insufficient content")
	ErrParse               = errors.New("parse error")
	ErrSourceNotFound      = errors.New("source not found")
	ErrTicketNotFound      = errors.New("review ticket not found")
	ErrHeadlessUnavailable = errors.New("headless strategy unavailable")
	ErrQueueClosed         = errors.New("queue closed")
)

// FetchErrorKind enumerates transport-level failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	KindTimeout   FetchErrorKind = "timeout"
	KindTooLarge  FetchErrorKind = "too_large"
	KindHTTP      FetchErrorKind = "http_error"
	KindTransport FetchErrorKind = "transport_error"
	KindBlocked   FetchErrorKind = "blocked"
)

// FetchError describes why a fetch did not produce a usable result.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Err != nil:
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	if e.Kind == KindBlocked && e.Err == nil {
		return ErrBlocked
	}
	return e.Err
}

// Retryable reports whether another attempt could plausibly succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindTransport:
		return true
	case KindHTTP:
		return e.StatusCode >= http.StatusInternalServerError ||
			e.StatusCode == http.StatusRequestTimeout ||
			e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}

// Classify maps err to its taxonomy label. A nil error classifies as "".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var fe *FetchError
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrRobotsDisallowed):
		return "robots_disallowed"
	case errors.Is(err, ErrHostDenied):
		return "host_denied"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrInsufficientContent):
		return "insufficient_content"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.As(err, &fe):
		switch fe.Kind {
		case KindBlocked:
			return "blocked"
		case KindHTTP:
			return "http_status"
		default:
			return "transport"
		}
	case errors.Is(err, context.DeadlineExceeded):
		return "transport"
	default:
		return "internal"
	}
}
