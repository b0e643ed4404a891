// Package influxdb provides InfluxDB connectivity for the Naim bridge.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes and health monitoring.
//
// # Purpose
//
// This package records time-series telemetry for Naim devices:
//   - Playback samples (volume, mute, source, play state, position)
//   - Command outcomes and latency
//   - Connectivity transitions
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry is optional
//	}
//	defer client.Close()
//
//	client.WritePlayback(influxdb.PlaybackSample{DeviceID: "living-room", Volume: 40})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
//
// # Error Handling
//
// Writes never block and never return errors; batch failures are
// delivered to the SetOnError callback. Connection and health check
// errors are returned directly.
package influxdb
