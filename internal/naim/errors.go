package naim

import (
	"errors"
	"fmt"
)

// Domain errors for the naim package.
var (
	// ErrUnreachable is returned when the device cannot be reached
	// (socket, DNS or timeout failure).
	ErrUnreachable = errors.New("naim: device unreachable")

	// ErrHTTPStatus is the sentinel wrapped by every *HTTPError.
	ErrHTTPStatus = errors.New("naim: unexpected http status")

	// ErrMalformed is returned when a 2xx body is neither JSON nor a
	// recognised redirect page.
	ErrMalformed = errors.New("naim: malformed response")

	// ErrUnsupported is returned for commands with no wire equivalent.
	ErrUnsupported = errors.New("naim: command not supported")

	// ErrNotSelectable is returned when a known input is disabled or not
	// selectable.
	ErrNotSelectable = errors.New("naim: input not selectable")

	// ErrInvalidArgument is returned when a parameter is out of range.
	// It is always detected before any request is sent.
	ErrInvalidArgument = errors.New("naim: invalid argument")

	// ErrNotConnected is returned when an operation needs a connected client.
	ErrNotConnected = errors.New("naim: not connected")
)

// HTTPError reports a non-2xx response from the device.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("naim: %s %s: http %d", e.Method, e.Path, e.StatusCode)
}

// Unwrap lets errors.Is match ErrHTTPStatus.
func (e *HTTPError) Unwrap() error {
	return ErrHTTPStatus
}

// StatusCode extracts the HTTP status code from err, or 0 if err does not
// carry one.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
