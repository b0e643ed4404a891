package influxdb

import "errors"

var (
	// ErrNotConnected is returned by HealthCheck once the client is closed
	// or the server stopped answering.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps the ping or health failure seen by Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// Telemetry is optional, so callers usually treat it as a no-op.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
