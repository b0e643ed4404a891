package naim

import (
	"time"
)

// Protocol is the protocol segment of every Naim bridge topic.
const Protocol = "naim"

// CommandMessage is sent from Core to the bridge to execute a device command.
// Topic: graylogic/command/naim/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier. When empty the device
	// id from the topic is used.
	DeviceID string `json:"device_id"`

	// Command is a host command id ("volume") or a remote id ("VOLUME_UP").
	Command string `json:"command"`

	// Parameters contains command-specific values, e.g. {"level": 40}.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "mqtt", "scene").
	Source string `json:"source"`

	UserID string `json:"user_id,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the device accepted the command.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"

	// AckTimeout indicates the command did not complete before its deadline.
	AckTimeout AckStatus = "timeout"
)

// AckMessage acknowledges a command.
// Topic: graylogic/ack/naim/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the device host:port.
	Address string `json:"address,omitempty"`

	// LatencyMs is the time spent executing the command.
	LatencyMs int64 `json:"latency_ms"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeNotSelectable     = "NOT_SELECTABLE"
	ErrCodeProtocolError     = "PROTOCOL_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// Succeeded reports whether the command was accepted.
func (a AckMessage) Succeeded() bool {
	return a.Status == AckAccepted
}

// newAck builds an acknowledgement for cmd from the execution error.
func newAck(cmd CommandMessage, address string, latency time.Duration, err error) AckMessage {
	ack := AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Protocol:  Protocol,
		Address:   address,
		LatencyMs: latency.Milliseconds(),
	}
	code, status := AckCode(err)
	ack.Status = status
	if err != nil {
		ack.Error = &AckError{Code: code, Message: err.Error()}
	}
	return ack
}

// StateMessage carries the media-player view of a device.
// Topic: graylogic/state/naim/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// RequestMessage asks the bridge to act on a device outside the command
// path.
// Topic: graylogic/request/naim/{device_id}
type RequestMessage struct {
	RequestID string `json:"request_id"`

	// Action is one of RequestRead, RequestSubscribe or RequestUnsubscribe.
	Action string `json:"action"`
}

// Request actions.
const (
	// RequestRead refreshes the device and republishes its state.
	RequestRead = "read"

	// RequestSubscribe starts polling on behalf of the MQTT host.
	RequestSubscribe = "subscribe"

	// RequestUnsubscribe drops the MQTT host subscription.
	RequestUnsubscribe = "unsubscribe"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge operational status.
// Topic: graylogic/health/naim
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Devices        DeviceSummary     `json:"devices"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// DeviceSummary counts devices by connectivity.
type DeviceSummary struct {
	Total     int `json:"total"`
	Ready     int `json:"ready"`
	Connected int `json:"connected"`
	Degraded  int `json:"degraded"`
	Errored   int `json:"errored"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	StatesPublished  uint64 `json:"states_published"`
}
