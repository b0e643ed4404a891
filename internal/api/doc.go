// Package api implements the HTTP REST API and WebSocket server the host
// uses to manage and drive Naim devices.
//
// This package provides:
//   - REST endpoints for the persisted device list and its runtime view
//   - Command submission that returns the same acknowledgement as MQTT
//   - A WebSocket hub that relays media-player state per device
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server sits beside the MQTT bridge. Both drive the same entities:
// REST commands go through Bridge.Execute, and every state the bridge
// publishes is also broadcast to WebSocket clients subscribed to the
// device's channel.
//
// # Subscriptions
//
// WebSocket channels are named "device.<id>". Subscribing waits until the
// entity has connected and starts its poller; when the last client leaves
// the channel the poller stops again.
package api
