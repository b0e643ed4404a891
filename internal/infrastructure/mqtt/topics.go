package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every Gray Logic topic.
// Bridge topics use the flat scheme graylogic/{category}/{protocol}/{id}.
const TopicPrefix = "graylogic"

// Topic categories.
const (
	CategoryCommand = "command"
	CategoryAck     = "ack"
	CategoryState   = "state"
	CategoryHealth  = "health"
	CategoryRequest = "request"
)

// Topics provides builders for Gray Logic MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("naim", "living-room")
//	// Returns: "graylogic/state/naim/living-room"
type Topics struct{}

// BridgeState returns the topic for device state updates from a bridge.
//
// Example: graylogic/state/naim/living-room
func (Topics) BridgeState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryState, protocol, deviceID)
}

// BridgeCommand returns the topic for commands to one device.
//
// Example: graylogic/command/naim/living-room
func (Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryCommand, protocol, deviceID)
}

// BridgeAck returns the topic for command acknowledgements from a bridge.
//
// Example: graylogic/ack/naim/living-room
func (Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryAck, protocol, deviceID)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/naim
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryHealth, protocol)
}

// BridgeCommands returns a pattern matching commands for every device of a bridge.
//
// Pattern: graylogic/command/naim/+
func (Topics) BridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryCommand, protocol)
}

// BridgeRequests returns a pattern matching state requests for a bridge.
//
// Pattern: graylogic/request/naim/+
func (Topics) BridgeRequests(protocol string) string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryRequest, protocol)
}

// ParsedTopic is a bridge topic split into its parts.
type ParsedTopic struct {
	Category string
	Protocol string
	DeviceID string
}

// ParseBridgeTopic splits graylogic/{category}/{protocol}/{id}.
// Topics with another shape are rejected with ErrInvalidTopic.
func ParseBridgeTopic(topic string) (ParsedTopic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return ParsedTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	for _, p := range parts[1:] {
		if p == "" || p == "+" || p == "#" {
			return ParsedTopic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	return ParsedTopic{Category: parts[1], Protocol: parts[2], DeviceID: parts[3]}, nil
}
