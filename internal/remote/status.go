package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/roach88/syncvault/internal/failure"
)

// StatusError is a remote failure carrying an HTTP-equivalent status code.
// Kind is set when the remote reported a taxonomy failure.
type StatusError struct {
	Code    int
	Kind    failure.Kind
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("remote status %d: %s", e.Code, msg)
}

// Unwrap exposes the taxonomy sentinel so errors.Is(err, failure.ErrNotFound)
// holds for a remote NotFound.
func (e *StatusError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return failure.New(e.Kind, "remote", "")
}

// Retryable reports whether the code is one a retry may fix.
func (e *StatusError) Retryable() bool {
	return RetryableCode(e.Code)
}

// RetryableCode reports whether code is 500, 502, 503, 504, 408 or 429.
func RetryableCode(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

var kindCodes = map[failure.Kind]int{
	failure.KindNotFound:         http.StatusNotFound,
	failure.KindConflict:         http.StatusConflict,
	failure.KindDeleted:          http.StatusGone,
	failure.KindWrongType:        http.StatusUnprocessableEntity,
	failure.KindUntrusted:        http.StatusForbidden,
	failure.KindInvalidSignature: http.StatusUnauthorized,
	failure.KindAlreadyCreated:   http.StatusPreconditionFailed,
}

// CodeFor returns the status code a served error is reported with.
func CodeFor(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	if kind, ok := failure.KindOf(err); ok {
		return kindCodes[kind]
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// StatusFromError converts a served error to what the client sees.
func StatusFromError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	kind, _ := failure.KindOf(err)
	return &StatusError{Code: CodeFor(err), Kind: kind, Message: err.Error()}
}

// Classify reports whether err is worth retrying. Timeouts are retryable;
// taxonomy failures and cancellation are not.
func Classify(err error) (retryable bool) {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	if _, ok := failure.KindOf(err); ok {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}
