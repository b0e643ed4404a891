// Package naim bridges Naim streamers onto the Gray Logic MQTT bus.
//
// The bridge owns one Entity per configured device. Each Entity wraps a
// device client, its polling supervisor and a per-device command rate
// limiter. Entities live in an explicit DeviceRegistry that the API server
// shares; there is no package-level state.
//
// # Message Flow
//
//	Core ── graylogic/command/naim/{id} ──▶ Bridge ──▶ command table ──▶ device
//	Core ◀── graylogic/ack/naim/{id} ────── Bridge
//	Core ◀── graylogic/state/naim/{id} ──── Bridge ◀── poll / push events
//	Core ◀── graylogic/health/naim ──────── HealthReporter
//
// # Initialisation
//
// An Entity is registered as soon as its device is known but is hidden from
// DeviceRegistry.List until its first successful refresh closes the ready
// barrier. Subscribing to an Entity waits on the barrier before polling
// starts, so subscribers never see an empty status.
//
// # Commands
//
// Commands arrive either as MQTT CommandMessages or through the REST API
// and run through the same Execute path: device lookup, command table
// lookup, rate limiter, then the device client. Failures are reported as
// acknowledgements with a stable error code (see AckCode).
package naim
