package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/logging"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// DeviceChannelPrefix prefixes per-device channels: "device.<id>".
	DeviceChannelPrefix = "device."

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// subscribeTimeout bounds the wait for an entity to become ready.
	subscribeTimeout = 15 * time.Second
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// SubscribeFunc is called once per client for each newly joined channel.
// The returned snapshot, if non-nil, is sent to the client straight away.
type SubscribeFunc func(ctx context.Context, channel string) (snapshot any, err error)

// UnsubscribeFunc is called once per client for each channel it leaves,
// including on disconnect.
type UnsubscribeFunc func(channel string)

// DeviceChannel returns the channel name for a device.
func DeviceChannel(deviceID string) string {
	return DeviceChannelPrefix + deviceID
}

// deviceChannelID extracts the device id from a device channel.
func deviceChannelID(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, DeviceChannelPrefix)
	return id, ok && id != ""
}

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	onSubscribe   SubscribeFunc
	onUnsubscribe UnsubscribeFunc
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	released      bool
	mu            sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// SetSubscriptionHooks installs the callbacks run when clients join or
// leave channels. Must be called before Run.
func (h *Hub) SetSubscriptionHooks(sub SubscribeFunc, unsub UnsubscribeFunc) {
	h.onSubscribe = sub
	h.onUnsubscribe = unsub
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and releases its channels.
// Only the goroutine that removes the client from the map closes the send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		h.release(client)
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel.
// The hub lock is released before per-client subscription checks.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sentCount := 0
	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
			sentCount++
		}
	}
	if sentCount > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "recipients", sentCount)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.release(client)
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// release drops every subscription of client exactly once.
func (h *Hub) release(client *WSClient) {
	if client.cancel != nil {
		client.cancel()
	}
	client.mu.Lock()
	channels := make([]string, 0, len(client.subscriptions))
	for ch := range client.subscriptions {
		channels = append(channels, ch)
	}
	client.subscriptions = make(map[string]struct{})
	client.released = true
	client.mu.Unlock()

	if h.onUnsubscribe == nil {
		return
	}
	for _, ch := range channels {
		h.onUnsubscribe(ch)
	}
}

// newClient builds a client bound to conn. conn may be nil in tests.
func (h *Hub) newClient(conn *websocket.Conn) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// handleWebSocket upgrades the HTTP connection to a WebSocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := s.hub.newClient(conn)
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// subscribeChannel joins a device channel: it waits for the entity to be
// ready, starts polling and returns the current state.
func (s *Server) subscribeChannel(ctx context.Context, channel string) (any, error) {
	id, ok := deviceChannelID(channel)
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	e, ok := s.bridge.Registry().Get(id)
	if !ok {
		return nil, fmt.Errorf("device %q not managed by bridge", id)
	}
	if err := e.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("device %q: %w", id, err)
	}
	return statePayload(id, e.Attributes()), nil
}

// unsubscribeChannel leaves a device channel. Polling stops when the
// entity has no subscribers left.
func (s *Server) unsubscribeChannel(channel string) {
	id, ok := deviceChannelID(channel)
	if !ok {
		return
	}
	if e, ok := s.bridge.Registry().Get(id); ok {
		e.Unsubscribe()
	}
}

// broadcastState relays a published state to the device's channel.
func (s *Server) broadcastState(deviceID string, state map[string]any) {
	s.hub.Broadcast(DeviceChannel(deviceID), statePayload(deviceID, state))
}

func statePayload(deviceID string, state map[string]any) map[string]any {
	return map[string]any{"device_id": deviceID, "state": state}
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// decodeChannels extracts the channel list from a subscribe or
// unsubscribe payload.
func decodeChannels(payload any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, err
	}
	return sub.Channels, nil
}

// handleSubscribe joins each requested channel. Channels that fail to join
// are reported individually in the response.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	subscribed := make([]string, 0, len(channels))
	failed := make(map[string]string)
	for _, ch := range channels {
		if c.isSubscribed(ch) {
			subscribed = append(subscribed, ch)
			continue
		}
		snapshot, err := c.join(ch)
		if err != nil {
			failed[ch] = err.Error()
			continue
		}
		subscribed = append(subscribed, ch)
		if snapshot != nil {
			c.sendEvent(ch, snapshot)
		}
	}

	c.hub.logger.Info("websocket client subscribed", "channels", subscribed, "failed", len(failed))

	resp := map[string]any{"subscribed": subscribed}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)
}

// join runs the subscribe hook and records the channel. A client released
// while the hook was waiting gives the subscription straight back.
func (c *WSClient) join(channel string) (any, error) {
	var snapshot any
	if c.hub.onSubscribe != nil {
		ctx, cancel := context.WithTimeout(c.ctx, subscribeTimeout)
		defer cancel()
		var err error
		snapshot, err = c.hub.onSubscribe(ctx, channel)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		if c.hub.onUnsubscribe != nil {
			c.hub.onUnsubscribe(channel)
		}
		return nil, fmt.Errorf("connection closed")
	}
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
	return snapshot, nil
}

// handleUnsubscribe leaves each requested channel the client had joined.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	channels, err := decodeChannels(msg.Payload)
	if err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	var left []string
	c.mu.Lock()
	for _, ch := range channels {
		if _, ok := c.subscriptions[ch]; ok {
			delete(c.subscriptions, ch)
			left = append(left, ch)
		}
	}
	c.mu.Unlock()

	if c.hub.onUnsubscribe != nil {
		for _, ch := range left {
			c.hub.onUnsubscribe(ch)
		}
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": channels,
	})
}

// trySend attempts to send data to the client's send channel.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendEvent sends one event to this client only.
func (c *WSClient) sendEvent(channel string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
