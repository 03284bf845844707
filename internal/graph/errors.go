package graph

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error kinds. Every error returned by this package is an *Error whose Kind
// is one of these, so callers can branch with errors.Is.
var (
	ErrAuth       = errors.New("failed to obtain access token")
	ErrLookup     = errors.New("failed to retrieve user")
	ErrNotFound   = errors.New("chat not found")
	ErrFetch      = errors.New("failed to retrieve chats")
	ErrChatCreate = errors.New("failed to create chat")
	ErrSend       = errors.New("failed to send message")
)

// Error describes a failed Graph or token endpoint call. Body holds the raw
// response text for non-2xx replies.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.StatusCode
	}
	return 0
}

// RetryAfter returns the server supplied back-off carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr.RetryAfter
	}
	return 0
}

func IsThrottled(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// parseRetryAfter only understands the delta-seconds form, which is what Graph sends.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
