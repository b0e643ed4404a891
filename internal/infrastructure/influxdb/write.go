package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementPlayback     = "naim_playback"
	MeasurementCommand      = "naim_command"
	MeasurementConnectivity = "naim_connectivity"
)

// PlaybackSample is one observation of a device's playback state.
type PlaybackSample struct {
	DeviceID   string
	Power      bool
	PlayState  string
	Source     string
	Volume     int
	Muted      bool
	PositionMs int64
	DurationMs int64
	Time       time.Time
}

// WritePlayback records a playback sample. Non-blocking.
func (c *Client) WritePlayback(s PlaybackSample) {
	c.writePoint(playbackPoint(s))
}

// WriteCommand records the outcome of a device command.
//
// Parameters:
//   - deviceID: Device the command targeted
//   - command: Host command id (e.g. "volume_up")
//   - errCode: Empty on success, otherwise the acknowledgement error code
//   - latency: Time from receipt to device response
func (c *Client) WriteCommand(deviceID, command, errCode string, latency time.Duration) {
	c.writePoint(commandPoint(deviceID, command, errCode, latency, time.Now()))
}

// WriteConnectivity records a connectivity transition.
func (c *Client) WriteConnectivity(deviceID, state string, available bool) {
	c.writePoint(connectivityPoint(deviceID, state, available, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func playbackPoint(s PlaybackSample) *write.Point {
	ts := s.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{"device_id": s.DeviceID}
	if s.Source != "" {
		tags["source"] = s.Source
	}
	if s.PlayState != "" {
		tags["play_state"] = s.PlayState
	}

	return write.NewPoint(MeasurementPlayback, tags, map[string]any{
		"power":       s.Power,
		"volume":      s.Volume,
		"muted":       s.Muted,
		"position_ms": s.PositionMs,
		"duration_ms": s.DurationMs,
	}, ts)
}

func commandPoint(deviceID, command, errCode string, latency time.Duration, ts time.Time) *write.Point {
	result := "ok"
	if errCode != "" {
		result = "failed"
	}
	tags := map[string]string{
		"device_id": deviceID,
		"command":   command,
		"result":    result,
	}
	if errCode != "" {
		tags["error_code"] = errCode
	}
	return write.NewPoint(MeasurementCommand, tags, map[string]any{
		"latency_ms": latency.Milliseconds(),
		"count":      1,
	}, ts)
}

func connectivityPoint(deviceID, state string, available bool, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementConnectivity,
		map[string]string{"device_id": deviceID},
		map[string]any{"state": state, "available": available},
		ts)
}
