package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ErrorKind string

const (
	KindUnsupportedProvider  ErrorKind = "unsupported_provider"
	KindAuthenticationFailed ErrorKind = "authentication_failed"
	KindInvalidResponse      ErrorKind = "invalid_response"
	KindUnreachable          ErrorKind = "unreachable"
	KindRateLimited          ErrorKind = "rate_limited"
	// KindRejected covers 4xx answers that are neither auth nor rate limit
	// failures, e.g. an unknown model name.
	KindRejected ErrorKind = "rejected"
)

// Error is the uniform failure returned by adapters and the router.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether a single retry may succeed: network failures,
// timeouts and 5xx answers.
func (e *Error) Transient() bool {
	return e.Kind == KindUnreachable
}

func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func NewError(kind ErrorKind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

// StatusError classifies a non-2xx HTTP answer.
func StatusError(provider string, status int, body string) *Error {
	var kind ErrorKind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthenticationFailed
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 500:
		kind = KindUnreachable
	default:
		kind = KindRejected
	}
	var err error
	if body = strings.TrimSpace(body); body != "" {
		err = errors.New(body)
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

// TransportError wraps a failed round trip. Context expiry and cancellation
// are reported as unreachable as well.
func TransportError(provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnreachable, Provider: provider, Err: fmt.Errorf("timed out: %w", err)}
	}
	return &Error{Kind: KindUnreachable, Provider: provider, Err: err}
}

func InvalidResponse(provider string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidResponse, Provider: provider, Err: fmt.Errorf(format, args...)}
}

// ReadErrorBody reads at most limit bytes of an error body for diagnostics.
func ReadErrorBody(r io.Reader, limit int64) string {
	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
