package naim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gorilla/websocket"
)

// Event stream defaults.
const (
	DefaultReconnectInitial = 5 * time.Second
	DefaultReconnectMax     = 60 * time.Second

	wsHandshakeTimeout = 10 * time.Second
	wsReadLimit        = 1 << 20
)

// eventPaths are tried in order when dialling the push channel.
var eventPaths = []string{"/websocket", "/ws"}

// EventType identifies a canonical event.
type EventType string

// Canonical event types.
const (
	// EventStatus follows a committed Refresh. It carries no delta.
	EventStatus EventType = "status"

	// EventConnectivity reports a ConnectivityState change.
	EventConnectivity EventType = "connectivity"

	// EventSnapshot is a full status pushed by the device.
	EventSnapshot EventType = "snapshot"

	EventPower    EventType = "power"
	EventVolume   EventType = "volume"
	EventTrack    EventType = "track"
	EventSource   EventType = "source"
	EventPlayback EventType = "playback"
	EventRepeat   EventType = "repeat"
	EventShuffle  EventType = "shuffle"
	EventPosition EventType = "position"
)

// vendorEventTypes maps device envelope types to canonical types.
var vendorEventTypes = map[string]EventType{
	"power_change":    EventPower,
	"volume_change":   EventVolume,
	"track_change":    EventTrack,
	"source_change":   EventSource,
	"playback_state":  EventPlayback,
	"playback_change": EventPlayback,
	"repeat_change":   EventRepeat,
	"shuffle_change":  EventShuffle,
	"position_update": EventPosition,
	"status":          EventSnapshot,
}

// Event is a canonical status change.
type Event struct {
	Type      EventType         `json:"type"`
	DeviceID  string            `json:"device_id"`
	Timestamp time.Time         `json:"timestamp"`
	Delta     Delta             `json:"delta"`
	State     ConnectivityState `json:"state,omitempty"`
}

// Listener receives events from a Client.
type Listener func(Event)

// Delta holds the fields an event set. Nil fields are unchanged.
type Delta struct {
	Power      *bool       `json:"power,omitempty"`
	PlayState  *PlayState  `json:"play_state,omitempty"`
	Volume     *int        `json:"volume,omitempty"`
	Muted      *bool       `json:"muted,omitempty"`
	Balance    *int        `json:"balance,omitempty"`
	Source     *string     `json:"source,omitempty"`
	Title      *string     `json:"title,omitempty"`
	Artist     *string     `json:"artist,omitempty"`
	Album      *string     `json:"album,omitempty"`
	Station    *string     `json:"station,omitempty"`
	Genre      *string     `json:"genre,omitempty"`
	ArtworkURL *string     `json:"artwork_url,omitempty"`
	PositionMs *int        `json:"position_ms,omitempty"`
	DurationMs *int        `json:"duration_ms,omitempty"`
	Repeat     *RepeatMode `json:"repeat,omitempty"`
	Shuffle    *bool       `json:"shuffle,omitempty"`
	Live       *bool       `json:"live,omitempty"`
}

// IsEmpty reports whether the delta sets nothing.
func (d Delta) IsEmpty() bool {
	return d == Delta{}
}

func (d Delta) apply(s *Status) {
	if d.Power != nil {
		s.Power = *d.Power
	}
	if d.PlayState != nil {
		s.PlayState = *d.PlayState
	}
	if d.Volume != nil {
		s.Volume = *d.Volume
	}
	if d.Muted != nil {
		s.Muted = *d.Muted
	}
	if d.Balance != nil {
		s.Balance = *d.Balance
	}
	if d.Source != nil {
		s.Source = *d.Source
	}
	if d.Title != nil {
		s.Title = *d.Title
	}
	if d.Artist != nil {
		s.Artist = *d.Artist
	}
	if d.Album != nil {
		s.Album = *d.Album
	}
	if d.Station != nil {
		s.Station = *d.Station
	}
	if d.Genre != nil {
		s.Genre = *d.Genre
	}
	if d.ArtworkURL != nil {
		s.ArtworkURL = *d.ArtworkURL
	}
	if d.PositionMs != nil {
		s.PositionMs = *d.PositionMs
	}
	if d.DurationMs != nil {
		s.DurationMs = *d.DurationMs
	}
	if d.Repeat != nil {
		s.Repeat = *d.Repeat
	}
	if d.Shuffle != nil {
		s.Shuffle = *d.Shuffle
	}
	if d.Live != nil {
		s.Live = *d.Live
	}
}

// wireEvent is the device envelope. Values arrive as strings, numbers or
// booleans depending on firmware, so every scalar decodes into a string
// and is interpreted field by field afterwards. A field that does not
// parse is dropped without losing the rest of the event.
type wireEvent struct {
	Type      string `mapstructure:"type"`
	DeviceID  string `mapstructure:"device_id"`
	Timestamp any    `mapstructure:"timestamp"`

	Power          *string `mapstructure:"power"`
	State          *string `mapstructure:"state"`
	PlaybackState  *string `mapstructure:"playback_state"`
	TransportState *string `mapstructure:"transportState"`
	Volume         *string `mapstructure:"volume"`
	Muted          *string `mapstructure:"muted"`
	Mute           *string `mapstructure:"mute"`
	Balance        *string `mapstructure:"balance"`
	Source         *string `mapstructure:"source"`
	Title          *string `mapstructure:"title"`
	Artist         *string `mapstructure:"artist"`
	Album          *string `mapstructure:"album"`
	Station        *string `mapstructure:"station"`
	Genre          *string `mapstructure:"genre"`
	Artwork        *string `mapstructure:"artwork"`
	Duration       *string `mapstructure:"duration"`
	Position       *string `mapstructure:"position"`
	TransportPos   *string `mapstructure:"transportPosition"`
	Repeat         *string `mapstructure:"repeat"`
	Shuffle        *string `mapstructure:"shuffle"`
	Live           *string `mapstructure:"live"`

	Data any `mapstructure:"data"`
}

func decodeWire(input map[string]any) (wireEvent, error) {
	var w wireEvent
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &w,
	})
	if err != nil {
		return w, err
	}
	if err := dec.Decode(input); err != nil {
		return w, err
	}
	return w, nil
}

// DecodeEvent parses one device message into a canonical event.
// ok is false for envelope types that carry no status change.
func DecodeEvent(deviceID string, payload []byte) (ev Event, ok bool, err error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, false, fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}

	w, err := decodeWire(raw)
	if err != nil {
		return Event{}, false, fmt.Errorf("%w: event: %v", ErrMalformed, err)
	}

	typ, known := vendorEventTypes[strings.ToLower(w.Type)]
	if !known {
		return Event{}, false, nil
	}

	ev = Event{
		Type:      typ,
		DeviceID:  deviceID,
		Timestamp: eventTime(w.Timestamp),
	}

	switch typ {
	case EventPower:
		v := w.Power
		if v == nil {
			v = w.State
		}
		if v != nil {
			ev.Delta.Power = ptr(parseBool(*v))
		}
	case EventVolume:
		ev.Delta.Volume = clampPtr(intPtr(w.Volume), MinVolume, MaxVolume)
		ev.Delta.Muted = boolPtr(firstString(w.Muted, w.Mute))
	case EventTrack:
		ev.Delta.Title = w.Title
		ev.Delta.Artist = w.Artist
		ev.Delta.Album = w.Album
		ev.Delta.Station = w.Station
		ev.Delta.Genre = w.Genre
		ev.Delta.ArtworkURL = w.Artwork
		ev.Delta.DurationMs = clampPtr(intPtr(w.Duration), 0, math.MaxInt)
	case EventSource:
		if w.Source != nil {
			ev.Delta.Source = ptr(SourceID(*w.Source))
		}
	case EventPlayback:
		if v := firstString(w.State, w.PlaybackState, w.TransportState); v != nil {
			ev.Delta.PlayState = ptr(parsePlayState(*v))
		}
	case EventRepeat:
		if w.Repeat != nil {
			ev.Delta.Repeat = ptr(parseRepeatAny(*w.Repeat))
		}
	case EventShuffle:
		ev.Delta.Shuffle = boolPtr(w.Shuffle)
	case EventPosition:
		ev.Delta.PositionMs = clampPtr(intPtr(firstString(w.Position, w.TransportPos)), 0, math.MaxInt)
	case EventSnapshot:
		src := w
		if data, isMap := w.Data.(map[string]any); isMap {
			if src, err = decodeWire(data); err != nil {
				return Event{}, false, fmt.Errorf("%w: status event: %v", ErrMalformed, err)
			}
		}
		ev.Delta = snapshotDelta(src)
	}

	return ev, !ev.Delta.IsEmpty(), nil
}

// snapshotDelta takes every field a full status push carries.
func snapshotDelta(w wireEvent) Delta {
	d := Delta{
		Power:      boolPtr(w.Power),
		Volume:     clampPtr(intPtr(w.Volume), MinVolume, MaxVolume),
		Muted:      boolPtr(firstString(w.Muted, w.Mute)),
		Balance:    clampPtr(intPtr(w.Balance), minBalance, maxBalance),
		Title:      w.Title,
		Artist:     w.Artist,
		Album:      w.Album,
		Station:    w.Station,
		Genre:      w.Genre,
		ArtworkURL: w.Artwork,
		DurationMs: clampPtr(intPtr(w.Duration), 0, math.MaxInt),
		PositionMs: clampPtr(intPtr(firstString(w.Position, w.TransportPos)), 0, math.MaxInt),
		Shuffle:    boolPtr(w.Shuffle),
		Live:       boolPtr(w.Live),
	}
	if v := firstString(w.PlaybackState, w.TransportState); v != nil {
		d.PlayState = ptr(parsePlayState(*v))
	}
	if w.Source != nil {
		d.Source = ptr(SourceID(*w.Source))
	}
	if w.Repeat != nil {
		d.Repeat = ptr(parseRepeatAny(*w.Repeat))
	}
	return d
}

// parseRepeatAny accepts both wire codes and mode names.
func parseRepeatAny(v string) RepeatMode {
	if m := ParseRepeatMode(v); m != RepeatOff {
		return m
	}
	return parseRepeatWire(v)
}

func eventTime(v any) time.Time {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0)
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
	}
	return time.Now()
}

func ptr[T any](v T) *T { return &v }

func boolPtr(v *string) *bool {
	if v == nil {
		return nil
	}
	return ptr(parseBool(*v))
}

func clampPtr(v *int, lo, hi int) *int {
	if v == nil {
		return nil
	}
	return ptr(clamp(*v, lo, hi))
}

func firstString(vs ...*string) *string {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

// intPtr parses v, returning nil when it is absent or not a number.
func intPtr(v *string) *int {
	if v == nil {
		return nil
	}
	n, ok := parseIntOK(*v)
	if !ok {
		return nil
	}
	return &n
}

// EventOptions configures the push channel.
type EventOptions struct {
	Enabled bool

	// Reconnect redials with exponential backoff after the stream drops.
	// When false the stream is attempted once per Connect.
	Reconnect bool

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// EventStream reads device push events over WebSocket.
//
// Losing the stream is never fatal: polling keeps the status current.
type EventStream struct {
	deviceID string
	endpoint Endpoint
	opts     EventOptions
	dialer   *websocket.Dialer
	logger   Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// NewEventStream creates a stream for the given endpoint. Call Start to
// begin reading.
func NewEventStream(deviceID string, endpoint Endpoint, opts EventOptions, logger Logger) *EventStream {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &EventStream{
		deviceID: deviceID,
		endpoint: endpoint,
		opts:     opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsHandshakeTimeout,
		},
		logger: logger,
	}
}

// Start launches the read loop. Calling Start on a running stream is a
// no-op.
func (s *EventStream) Start(handler Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.eventLoop(ctx, handler, s.done)
}

// Stop ends the read loop and waits for it to exit.
func (s *EventStream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a stream is currently open.
func (s *EventStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *EventStream) eventLoop(ctx context.Context, handler Listener, done chan struct{}) {
	defer close(done)

	currentDelay := s.opts.ReconnectInitial
	for {
		err := s.session(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if !s.opts.Reconnect {
			s.logger.Info("naim event stream ended, polling only", "device_id", s.deviceID, "error", err)
			return
		}
		if err == nil {
			currentDelay = s.opts.ReconnectInitial
		}

		s.logger.Warn("naim event stream lost, reconnecting",
			"device_id", s.deviceID, "error", err, "delay", currentDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(currentDelay):
		}

		if err != nil {
			currentDelay *= 2
			if currentDelay > s.opts.ReconnectMax {
				currentDelay = s.opts.ReconnectMax
			}
		}
	}
}

// session dials and reads until the stream closes. A nil error means the
// device closed the stream cleanly.
func (s *EventStream) session(ctx context.Context, handler Listener) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	conn.SetReadLimit(wsReadLimit)

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	// ReadMessage does not observe ctx; closing the socket unblocks it.
	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-closed:
		}
		_ = conn.Close()
	}()

	defer func() {
		close(closed)
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		ev, ok, err := DecodeEvent(s.deviceID, data)
		if err != nil {
			s.logger.Debug("naim event ignored", "device_id", s.deviceID, "error", err)
			continue
		}
		if ok {
			handler(ev)
		}
	}
}

func (s *EventStream) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", DefaultUserAgent)

	var errs []error
	for _, p := range eventPaths {
		u := "ws://" + s.endpoint.HostPort() + s.endpoint.BasePath + p
		conn, resp, err := s.dialer.DialContext(ctx, u, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			s.logger.Info("naim event stream connected", "device_id", s.deviceID, "url", u)
			return conn, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: event stream: %w", ErrUnreachable, errors.Join(errs...))
}
