// Package naim implements the device state synchronisation core for Naim
// network streamers.
//
// Naim devices expose an unauthenticated HTTP API on port 15081 where every
// value is a decimal string, plus an optional WebSocket push channel. This
// package hides those quirks behind a canonical status record that the
// Gray Logic bridge can publish and command without knowing vendor details.
//
// # Architecture
//
//	┌──────────────┐   commands   ┌──────────────┐   HTTP    ┌─────────────┐
//	│    Bridge    │─────────────►│    Client    │──────────►│ Naim device │
//	│ (subscriber) │◄─────────────│  (Status)    │◄──────────│  :15081     │
//	└──────────────┘   listeners  └──────┬───────┘ WebSocket └─────────────┘
//	                                     │
//	                               ┌─────┴──────┐
//	                               │   Poller   │ every 5s while subscribed
//	                               └────────────┘
//
// # Components
//
//   - Transport: GET/PUT with a fixed timeout, /naim prefix negotiation,
//     redirect page detection and failure classification
//   - Normalize: vendor nowplaying/levels/power maps to [Status]
//   - Client: connection lifecycle, input cache, every command method
//   - EventStream: WebSocket decoder feeding canonical [Event] values
//   - Poller: periodic refresh gated by subscription, with error backoff
//
// # Status Ownership
//
// A [Status] is only ever replaced by a complete successful refresh or
// merged from a decoded event. A failed refresh leaves the previous record
// intact and moves the client to [StateDegraded].
//
// # Thread Safety
//
// All exported methods on [Client], [Transport], [EventStream] and [Poller]
// are safe for concurrent use. Commands on a single client are serialised.
package naim
