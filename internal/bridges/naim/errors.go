package naim

import (
	"context"
	"errors"

	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// Domain errors for the Naim bridge package.
var (
	// ErrUnknownDevice is returned for commands addressed to a device the
	// bridge does not manage.
	ErrUnknownDevice = errors.New("naim bridge: device not configured")

	// ErrUnknownCommand is returned when a command id has no handler.
	ErrUnknownCommand = errors.New("naim bridge: unknown command")

	// ErrDeviceExists is returned when registering a duplicate entity.
	ErrDeviceExists = errors.New("naim bridge: device already registered")

	// ErrCommandTable is returned by NewBridge when the command table does
	// not match SupportedCommands.
	ErrCommandTable = errors.New("naim bridge: command table mismatch")

	// ErrEntityClosed is returned when waiting on an entity that has been
	// removed.
	ErrEntityClosed = errors.New("naim bridge: device removed")

	// ErrRateLimited is returned when a command could not get a rate
	// limiter token before its deadline.
	ErrRateLimited = errors.New("naim bridge: command rate exceeded")
)

// AckCode maps a command error to its acknowledgement code and status.
func AckCode(err error) (string, AckStatus) {
	switch {
	case err == nil:
		return "", AckAccepted
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeNotConfigured, AckFailed
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand, AckFailed
	case errors.Is(err, naimclient.ErrInvalidArgument):
		return ErrCodeInvalidParameters, AckFailed
	case errors.Is(err, naimclient.ErrUnsupported):
		return ErrCodeNotSupported, AckFailed
	case errors.Is(err, naimclient.ErrNotSelectable):
		return ErrCodeNotSelectable, AckFailed
	case errors.Is(err, naimclient.ErrHTTPStatus), errors.Is(err, naimclient.ErrMalformed):
		return ErrCodeProtocolError, AckFailed
	case errors.Is(err, naimclient.ErrUnreachable), errors.Is(err, naimclient.ErrNotConnected):
		return ErrCodeDeviceUnreachable, AckFailed
	case errors.Is(err, ErrRateLimited), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout, AckTimeout
	default:
		return ErrCodeBridgeError, AckFailed
	}
}
