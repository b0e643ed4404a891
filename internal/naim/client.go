package naim

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command constants.
const (
	MinVolume = 0
	MaxVolume = 100

	// DefaultVolumeStep is used by VolumeUp/VolumeDown when step <= 0.
	DefaultVolumeStep = 3

	// PowerStandbyToken is the vendor value for network standby.
	PowerStandbyToken = "lona"

	// transportPlaying is the transportState code for playback.
	transportPlaying = "2"
)

// API paths.
const (
	pathRoot       = "/"
	pathSystem     = "/system"
	pathPower      = "/power"
	pathNowPlaying = "/nowplaying"
	pathLevels     = "/levels/room"
	pathInputs     = "/inputs"
	pathNetwork    = "/network"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// DeviceID identifies the device in events and logs.
	DeviceID string

	Host string
	Port int

	Timeout   time.Duration
	Retries   int
	UserAgent string

	// VolumeStep overrides DefaultVolumeStep.
	VolumeStep int

	// Events configures the optional WebSocket push channel.
	Events EventOptions

	Logger Logger
}

// Client owns the connection to one Naim device and its canonical status.
//
// Thread Safety: All methods are safe for concurrent use. Commands are
// serialised by a per-client mutex so read-modify-write sequences such as
// VolumeUp never interleave.
type Client struct {
	id         string
	transport  *Transport
	volumeStep int
	eventOpts  EventOptions
	logger     Logger

	cmdMu sync.Mutex

	mu        sync.RWMutex
	status    Status
	state     ConnectivityState
	connected bool
	inputs    []Input
	system    SystemInfo
	events    *EventStream
	poller    *Poller

	listenersMu  sync.RWMutex
	listeners    map[int]Listener
	nextListener int
}

// NewClient creates a disconnected client. Call Connect before issuing
// commands.
func NewClient(opts ClientOptions) *Client {
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}
	step := opts.VolumeStep
	if step <= 0 {
		step = DefaultVolumeStep
	}

	return &Client{
		id: opts.DeviceID,
		transport: NewTransport(TransportOptions{
			Host:      opts.Host,
			Port:      opts.Port,
			Timeout:   opts.Timeout,
			Retries:   opts.Retries,
			UserAgent: opts.UserAgent,
			Logger:    logger,
		}),
		volumeStep: step,
		eventOpts:  opts.Events,
		logger:     logger,
		state:      StateDisconnected,
		listeners:  make(map[int]Listener),
	}
}

// ID returns the device identifier.
func (c *Client) ID() string {
	return c.id
}

// Endpoint returns the resolved device endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.transport.Endpoint()
}

// Connect negotiates the API prefix and loads identity and inputs.
//
// Only a failure of the root probe is fatal. /system and /inputs failures
// are logged and leave the identity or input cache empty.
func (c *Client) Connect(ctx context.Context) error {
	c.stopEvents()
	c.setState(StateConnecting)

	if err := c.transport.Negotiate(ctx); err != nil {
		c.setState(StateError)
		return fmt.Errorf("connect %s: %w", c.transport.Endpoint().HostPort(), err)
	}

	var system SystemInfo
	if resp, err := c.transport.Get(ctx, pathSystem, nil); err != nil {
		c.logger.Warn("naim system info unavailable", "device_id", c.id, "error", err)
	} else {
		system = NormalizeSystem(resp.Data)
	}

	var inputs []Input
	if resp, err := c.transport.Get(ctx, pathInputs, nil); err != nil {
		c.logger.Warn("naim inputs unavailable, using defaults", "device_id", c.id, "error", err)
	} else {
		inputs = parseInputs(resp.Data)
	}

	c.mu.Lock()
	c.system = system
	c.inputs = inputs
	c.connected = true
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("naim device connected",
		"device_id", c.id,
		"base_url", c.transport.Endpoint().BaseURL(),
		"model", system.Model,
		"hostname", system.Hostname,
		"inputs", len(inputs))

	if c.eventOpts.Enabled {
		es := NewEventStream(c.id, c.transport.Endpoint(), c.eventOpts, c.logger)
		c.mu.Lock()
		c.events = es
		c.mu.Unlock()
		es.Start(c.applyEvent)
	}

	return nil
}

// Disconnect stops polling and events, drops the status and closes idle
// connections. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	p := c.poller
	c.connected = false
	c.status = Status{}
	c.inputs = nil
	c.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	c.stopEvents()
	c.transport.Close()
	c.setState(StateDisconnected)
}

func (c *Client) stopEvents() {
	c.mu.Lock()
	es := c.events
	c.events = nil
	c.mu.Unlock()

	if es != nil {
		es.Stop()
	}
}

// IsConnected reports whether Connect has succeeded and Disconnect has not
// been called since.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// State returns the connectivity state.
func (c *Client) State() ConnectivityState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ConnectivityState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.logger.Debug("naim connectivity changed", "device_id", c.id, "from", prev, "to", s)
		c.notify(Event{Type: EventConnectivity, DeviceID: c.id, Timestamp: time.Now(), State: s})
	}
}

// Status returns a copy of the canonical status.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Clone()
}

// SystemInfo returns the identity cached at connect.
func (c *Client) SystemInfo() SystemInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.system
}

// Inputs returns the effective input list: the cached device inputs, or
// the default set when the device reported none.
func (c *Client) Inputs() []Input {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.inputs) == 0 {
		return defaultInputs()
	}
	out := make([]Input, len(c.inputs))
	copy(out, c.inputs)
	return out
}

// Sources returns the ids of selectable, enabled inputs, falling back to
// DefaultSources.
func (c *Client) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sources []string
	for _, in := range c.inputs {
		if in.Usable() && strings.HasPrefix(in.USSI, inputPrefix) {
			sources = append(sources, in.ID)
		}
	}
	if len(sources) == 0 {
		return append([]string(nil), DefaultSources...)
	}
	return sources
}

// SourceNames maps source ids to display names. Device names are used when
// inputs are known; otherwise the default name table is returned.
func (c *Client) SourceNames() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make(map[string]string)
	for _, in := range c.inputs {
		if strings.HasPrefix(in.USSI, inputPrefix) {
			names[in.ID] = in.DisplayName
		}
	}
	if len(names) == 0 {
		for id, name := range defaultDisplayNames {
			names[id] = name
		}
	}
	return names
}

// Refresh fetches power, nowplaying and levels and commits a new status.
//
// When the device is in standby the nowplaying and levels fetches are
// skipped and the previous playback fields are kept with Power false.
// On any failure the status is left untouched and the state moves to
// StateDegraded.
func (c *Client) Refresh(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	next, err := c.fetchStatus(ctx)
	if err != nil {
		if c.IsConnected() {
			c.setState(StateDegraded)
		}
		return fmt.Errorf("refresh %s: %w", c.id, err)
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	next.UpdatedAt = time.Now()
	c.status = next
	c.mu.Unlock()

	c.setState(StateConnected)
	c.notify(Event{Type: EventStatus, DeviceID: c.id, Timestamp: next.UpdatedAt})
	return nil
}

func (c *Client) fetchStatus(ctx context.Context) (Status, error) {
	on, err := c.PowerState(ctx)
	if err != nil {
		return Status{}, err
	}
	if !on {
		next := c.Status()
		next.Power = false
		return next, nil
	}

	np, err := c.transport.Get(ctx, pathNowPlaying, nil)
	if err != nil {
		return Status{}, err
	}
	levels, err := c.Levels(ctx)
	if err != nil {
		return Status{}, err
	}

	next := Normalize(np.Data)
	next.Power = true
	next.Volume = levels.Volume
	next.Muted = levels.Muted
	next.Balance = levels.Balance
	return next, nil
}

// PowerState queries /power.
func (c *Client) PowerState(ctx context.Context) (bool, error) {
	resp, err := c.transport.Get(ctx, pathPower, nil)
	if err != nil {
		return false, err
	}
	on, _ := NormalizePower(resp.Data)
	return on, nil
}

// NowPlaying fetches and normalises /nowplaying without committing it.
func (c *Client) NowPlaying(ctx context.Context) (Status, error) {
	resp, err := c.transport.Get(ctx, pathNowPlaying, nil)
	if err != nil {
		return Status{}, err
	}
	return Normalize(resp.Data), nil
}

// Levels fetches /levels/room.
func (c *Client) Levels(ctx context.Context) (Levels, error) {
	resp, err := c.transport.Get(ctx, pathLevels, nil)
	if err != nil {
		return Levels{}, err
	}
	if _, ok := resp.Data["volume"]; !ok {
		return Levels{}, fmt.Errorf("%w: %s: missing volume", ErrMalformed, pathLevels)
	}
	return NormalizeLevels(resp.Data), nil
}

// NetworkInfo fetches /network. The result is not cached.
func (c *Client) NetworkInfo(ctx context.Context) (map[string]any, error) {
	resp, err := c.transport.Get(ctx, pathNetwork, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// do runs one command request. Callers must hold cmdMu.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.logger.Debug("naim command", "device_id", c.id, "method", method, "path", path, "query", query.Encode())
	_, err := c.transport.Request(ctx, method, path, query, nil)
	return err
}

func (c *Client) command(ctx context.Context, method, path string, query url.Values) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.do(ctx, method, path, query)
}

// PowerOn wakes the device.
func (c *Client) PowerOn(ctx context.Context) error {
	return c.command(ctx, "PUT", pathPower, url.Values{"system": {"on"}})
}

// PowerOff puts the device into network standby.
func (c *Client) PowerOff(ctx context.Context) error {
	return c.command(ctx, "PUT", pathPower, url.Values{"system": {PowerStandbyToken}})
}

// PowerToggle reads the power state and sends the opposite command.
func (c *Client) PowerToggle(ctx context.Context) error {
	on, err := c.PowerState(ctx)
	if err != nil {
		return err
	}
	if on {
		return c.PowerOff(ctx)
	}
	return c.PowerOn(ctx)
}

// SetVolume sets the room volume. Values outside 0..100 are rejected
// before any request is sent.
func (c *Client) SetVolume(ctx context.Context, volume int) error {
	if volume < MinVolume || volume > MaxVolume {
		return fmt.Errorf("%w: volume %d outside %d..%d", ErrInvalidArgument, volume, MinVolume, MaxVolume)
	}
	return c.command(ctx, "PUT", pathLevels, url.Values{"volume": {strconv.Itoa(volume)}})
}

// VolumeUp raises the volume by step, clamped to 100.
func (c *Client) VolumeUp(ctx context.Context, step int) error {
	return c.stepVolume(ctx, c.stepOrDefault(step))
}

// VolumeDown lowers the volume by step, clamped to 0.
func (c *Client) VolumeDown(ctx context.Context, step int) error {
	return c.stepVolume(ctx, -c.stepOrDefault(step))
}

func (c *Client) stepOrDefault(step int) int {
	if step <= 0 {
		return c.volumeStep
	}
	return step
}

func (c *Client) stepVolume(ctx context.Context, delta int) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	levels, err := c.Levels(ctx)
	if err != nil {
		return err
	}
	target := clamp(levels.Volume+delta, MinVolume, MaxVolume)
	return c.do(ctx, "PUT", pathLevels, url.Values{"volume": {strconv.Itoa(target)}})
}

// Mute mutes the room output.
func (c *Client) Mute(ctx context.Context) error {
	return c.command(ctx, "PUT", pathLevels, url.Values{"mute": {"1"}})
}

// Unmute unmutes the room output.
func (c *Client) Unmute(ctx context.Context) error {
	return c.command(ctx, "PUT", pathLevels, url.Values{"mute": {"0"}})
}

// MuteToggle flips the mute state recorded in the canonical status.
func (c *Client) MuteToggle(ctx context.Context) error {
	if c.Status().Muted {
		return c.Unmute(ctx)
	}
	return c.Mute(ctx)
}

func (c *Client) transportCmd(ctx context.Context, cmd string) error {
	return c.command(ctx, "GET", pathNowPlaying, url.Values{"cmd": {cmd}})
}

// Play resumes playback.
func (c *Client) Play(ctx context.Context) error { return c.transportCmd(ctx, "play") }

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error { return c.transportCmd(ctx, "pause") }

// Stop stops playback.
func (c *Client) Stop(ctx context.Context) error { return c.transportCmd(ctx, "stop") }

// Next skips to the next track.
func (c *Client) Next(ctx context.Context) error { return c.transportCmd(ctx, "next") }

// Previous returns to the previous track.
func (c *Client) Previous(ctx context.Context) error { return c.transportCmd(ctx, "prev") }

// PlayPause pauses when the device reports transportState "2" and plays
// otherwise.
func (c *Client) PlayPause(ctx context.Context) error {
	resp, err := c.transport.Get(ctx, pathNowPlaying, nil)
	if err != nil {
		return err
	}
	if stringField(resp.Data, "transportState") == transportPlaying {
		return c.Pause(ctx)
	}
	return c.Play(ctx)
}

// SetSource selects an input.
//
// A cached input matching id must be selectable, otherwise
// ErrNotSelectable is returned without a request. Ids not in the cache are
// sent to the device anyway.
func (c *Client) SetSource(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, "/?#") {
		return fmt.Errorf("%w: source %q", ErrInvalidArgument, id)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.RLock()
	inputs := c.inputs
	c.mu.RUnlock()

	for _, in := range inputs {
		if !in.matches(id) {
			continue
		}
		if !in.Selectable {
			return fmt.Errorf("%w: %s", ErrNotSelectable, id)
		}
		break
	}

	return c.do(ctx, "GET", pathInputs+"/"+url.PathEscape(id), url.Values{"cmd": {"select"}})
}

// SetRepeat sets the repeat mode.
func (c *Client) SetRepeat(ctx context.Context, mode RepeatMode) error {
	return c.command(ctx, "PUT", pathNowPlaying, url.Values{"repeat": {mode.wireValue()}})
}

// SetShuffle enables or disables shuffle.
func (c *Client) SetShuffle(ctx context.Context, on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	return c.command(ctx, "PUT", pathNowPlaying, url.Values{"shuffle": {v}})
}

// Seek is not available over the HTTP API.
func (c *Client) Seek(context.Context, int) error {
	return fmt.Errorf("%w: seek", ErrUnsupported)
}

// SetBalance is not available over the HTTP API.
func (c *Client) SetBalance(context.Context, int) error {
	return fmt.Errorf("%w: balance", ErrUnsupported)
}

// NewPoller creates a Poller bound to this client. Disconnect stops it.
func (c *Client) NewPoller(opts PollerOptions) *Poller {
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	if opts.DeviceID == "" {
		opts.DeviceID = c.id
	}
	p := NewPoller(c, opts)
	c.mu.Lock()
	c.poller = p
	c.mu.Unlock()
	return p
}

// AddListener registers fn for every event and returns an id for
// RemoveListener.
func (c *Client) AddListener(fn Listener) int {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	c.listeners[c.nextListener] = fn
	return c.nextListener
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (c *Client) RemoveListener(id int) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, id)
}

func (c *Client) notify(ev Event) {
	c.listenersMu.RLock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// applyEvent merges a pushed event into the status and forwards it.
func (c *Client) applyEvent(ev Event) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	ev.Delta.apply(&c.status)
	c.status.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.notify(ev)
}
