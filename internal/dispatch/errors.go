package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/relayd/internal/rategate"
	"pkt.systems/relayd/internal/remote"
)

// Kind classifies dispatch failures.
type Kind string

const (
	// KindInvalidInput means the record cannot be dispatched as given.
	KindInvalidInput Kind = "invalid_input"
	// KindLock means the identity lock could not be acquired.
	KindLock Kind = "lock_error"
	// KindRateLimit means the rate budget is exhausted, locally predicted or
	// reported by the remote.
	KindRateLimit Kind = "rate_limited"
	// KindRemote means the remote rejected the record or could not be reached.
	KindRemote Kind = "remote_error"
	// KindTimeout means the remote call timed out; it may have been applied.
	KindTimeout Kind = "transport_timeout"
)

// Error is the typed failure of one dispatch operation.
type Error struct {
	Kind Kind
	// Op names the operation, e.g. "profile" or "group.company".
	Op string
	// Status is the remote HTTP status, when the remote answered.
	Status int
	// Code is the remote error code, when the remote sent one.
	Code       string
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	detail := e.Detail
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, detail)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the failure onto an HTTP status for relayd's own API.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindLock:
		return http.StatusServiceUnavailable
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// IsKind reports whether err is a dispatch *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

func invalidInput(op string, err error) *Error {
	return &Error{Kind: KindInvalidInput, Op: op, Detail: err.Error(), Err: err}
}

func lockFailure(op string, err error) *Error {
	return &Error{Kind: KindLock, Op: op, Err: err}
}

func rateLimited(op string, err *rategate.ExhaustedError) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Op:         op,
		Status:     http.StatusTooManyRequests,
		RetryAfter: err.RetryAfter,
		Err:        err,
	}
}

// classifyRemote converts a transport failure into a dispatch *Error.
func classifyRemote(op string, now time.Time, err error) *Error {
	var timeoutErr *remote.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		out := &Error{
			Kind:       KindRemote,
			Op:         op,
			Status:     statusErr.Status,
			Code:       statusErr.Code,
			Detail:     statusErr.Message,
			RetryAfter: statusErr.RetryAfter,
			Err:        err,
		}
		if statusErr.Status == http.StatusTooManyRequests {
			out.Kind = KindRateLimit
			if out.RetryAfter <= 0 && statusErr.RateLimit != nil && statusErr.RateLimit.ResetAt.After(now) {
				out.RetryAfter = statusErr.RateLimit.ResetAt.Sub(now)
			}
		}
		return out
	}
	return &Error{Kind: KindRemote, Op: op, Err: err}
}
