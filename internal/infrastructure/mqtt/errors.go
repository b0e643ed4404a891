package mqtt

import "errors"

// Errors returned by the client. Operational failures wrap the underlying
// paho error, so match them with errors.Is.
var (
	ErrNotConnected      = errors.New("mqtt: client not connected")
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS is returned for QoS levels outside 0..2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level")

	// ErrInvalidTopic is returned for empty topics and for topics that do
	// not follow graylogic/<category>/<protocol>/<device>.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
