package common

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrOrderNotFound is returned by QueryOrderByClientID when the venue has no
// order with the given client id.
var ErrOrderNotFound = errors.New("order not found on venue")

// VenueError classifies a venue failure as transient (retryable) or terminal.
type VenueError struct {
	Venue     string
	Code      int // HTTP status or venue error code, 0 when not applicable
	Msg       string
	Transient bool
}

func (e *VenueError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s venue error (code %d): %s", e.Venue, kind, e.Code, e.Msg)
}

// NewTransient wraps a retryable failure (network, rate limit, 5xx).
func NewTransient(venue string, code int, msg string) *VenueError {
	return &VenueError{Venue: venue, Code: code, Msg: msg, Transient: true}
}

// NewTerminal wraps a non-retryable failure (auth, validation).
func NewTerminal(venue string, code int, msg string) *VenueError {
	return &VenueError{Venue: venue, Code: code, Msg: msg, Transient: false}
}

// ClassifyHTTP maps an HTTP status to a venue error.
// 429 and 5xx are transient; everything else in the error range is terminal.
func ClassifyHTTP(venue string, status int, body string) *VenueError {
	if status == 429 || status >= 500 {
		return NewTransient(venue, status, body)
	}
	return NewTerminal(venue, status, body)
}

// IsTransient reports whether err should be retried by the engine.
// Raw network failures without a classification are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
