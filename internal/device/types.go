package device

import (
	"net"
	"strconv"
	"time"
)

// DefaultPort is the HTTP API port of Naim streamers.
const DefaultPort = 15081

// Device is a Naim streamer known to the bridge.
type Device struct {
	// ID is a stable slug used in MQTT topics and API paths.
	ID   string `json:"id"`
	Name string `json:"name"`

	// Address is a hostname or IP literal; Port defaults to DefaultPort.
	Address string `json:"address"`
	Port    int    `json:"port"`

	// Enabled devices are connected at startup.
	Enabled bool `json:"enabled"`

	// StandbyMonitoring keeps polling while the device is in standby.
	StandbyMonitoring bool `json:"standby_monitoring"`

	// Identity reported by the device's /system endpoint.
	Model    string `json:"model,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Firmware string `json:"firmware,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity is the subset of Device learnt from the device itself.
type Identity struct {
	Model    string
	Hostname string
	Serial   string
	Firmware string
}

// HostPort returns address:port, bracketing IPv6 literals.
func (d *Device) HostPort() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.Address, strconv.Itoa(port))
}

// Clone returns a copy of the device. Device has no reference fields, so
// a value copy is sufficient.
func (d *Device) Clone() *Device {
	c := *d
	return &c
}

// CommandRecord is one executed command kept in the local history.
type CommandRecord struct {
	ID         int64          `json:"id"`
	DeviceID   string         `json:"device_id"`
	CommandID  string         `json:"command_id,omitempty"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source,omitempty"`

	// ErrorCode is empty when the command succeeded.
	ErrorCode string    `json:"error_code,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Succeeded reports whether the command completed without error.
func (r CommandRecord) Succeeded() bool {
	return r.ErrorCode == ""
}
