package gateway

import (
	"errors"
	"fmt"

	"github.com/kjannette/marketdash/internal/httputil"
	"github.com/kjannette/marketdash/internal/models"
)

var (
	// ErrTransport: the connection could not be established or was dropped.
	ErrTransport = errors.New("transport error")
	// ErrRequestRejected: the remote answered with a non-success outcome.
	ErrRequestRejected = errors.New("request rejected")
	// ErrMalformedPayload: one message or body could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Error carries the failed operation and its classification. Kind is one
// of the sentinels above, so callers use errors.Is.
type Error struct {
	Op     string
	Kind   error
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error { return []error{e.Kind, e.Err} }

// classify maps an httputil or decode failure onto the gateway taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *httputil.StatusError
	switch {
	case errors.As(err, &se):
		return &Error{Op: op, Kind: ErrRequestRejected, Status: se.Code, Err: err}
	case errors.Is(err, models.ErrMalformedPoint):
		return &Error{Op: op, Kind: ErrMalformedPayload, Err: err}
	default:
		return &Error{Op: op, Kind: ErrTransport, Err: err}
	}
}

func transportErr(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransport, Err: err}
}

func malformedErr(op string, err error) error {
	return &Error{Op: op, Kind: ErrMalformedPayload, Err: err}
}
