package naim

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-naim/internal/device"
	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// Media-player states exposed through Attributes.
const (
	MediaStateOff         = "OFF"
	MediaStateOn          = "ON"
	MediaStatePlaying     = "PLAYING"
	MediaStatePaused      = "PAUSED"
	MediaStateBuffering   = "BUFFERING"
	MediaStateUnavailable = "UNAVAILABLE"
)

// Entity is one managed Naim device: its client, poller and command
// limiter, plus the initialisation barrier.
//
// Thread Safety: All methods are safe for concurrent use.
type Entity struct {
	dev     device.Device
	client  *naimclient.Client
	poller  *naimclient.Poller
	limiter *rate.Limiter

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	subscribers int

	// retrying is set while a background connect loop owns the entity.
	retrying atomic.Bool
}

// EntityOptions configures a new Entity.
type EntityOptions struct {
	Device  device.Device
	Client  naimclient.ClientOptions
	Polling naimclient.PollerOptions

	// CommandRate is the sustained commands per second. Zero disables
	// limiting.
	CommandRate  float64
	CommandBurst int
}

// NewEntity creates a disconnected entity.
func NewEntity(opts EntityOptions) *Entity {
	opts.Client.DeviceID = opts.Device.ID
	opts.Client.Host = opts.Device.Address
	opts.Client.Port = opts.Device.Port

	client := naimclient.NewClient(opts.Client)

	limit := rate.Inf
	if opts.CommandRate > 0 {
		limit = rate.Limit(opts.CommandRate)
	}
	burst := opts.CommandBurst
	if burst <= 0 {
		burst = 1
	}

	return &Entity{
		dev:     opts.Device,
		client:  client,
		poller:  client.NewPoller(opts.Polling),
		limiter: rate.NewLimiter(limit, burst),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// ID returns the device identifier.
func (e *Entity) ID() string { return e.dev.ID }

// Name returns the device display name.
func (e *Entity) Name() string { return e.dev.Name }

// Device returns the registry record the entity was built from.
func (e *Entity) Device() device.Device { return e.dev }

// Client returns the underlying device client.
func (e *Entity) Client() *naimclient.Client { return e.client }

// Address returns host:port of the device.
func (e *Entity) Address() string { return e.dev.HostPort() }

// Connect connects the client and performs the first refresh. The ready
// barrier closes on the first successful refresh.
//
// Once the device answers, polling resumes for existing subscribers even
// if the refresh fails; the poller's error backoff takes over from there.
func (e *Entity) Connect(ctx context.Context) error {
	if err := e.client.Connect(ctx); err != nil {
		return err
	}
	err := e.client.Refresh(ctx)
	if err == nil {
		e.markReady()
	}

	e.mu.Lock()
	if e.subscribers > 0 {
		e.poller.Start()
	}
	e.mu.Unlock()
	return err
}

// Disconnect stops polling and drops the device connection.
func (e *Entity) Disconnect() {
	e.client.Disconnect()
}

// Close disconnects the entity for good. Pending WaitReady calls return
// ErrEntityClosed.
func (e *Entity) Close() {
	e.closeOnce.Do(func() { close(e.closed) })
	e.client.Disconnect()
}

// Closed returns a channel closed by Close.
func (e *Entity) Closed() <-chan struct{} {
	return e.closed
}

func (e *Entity) markReady() {
	e.readyOnce.Do(func() { close(e.ready) })
}

// Ready reports whether the first refresh has succeeded.
func (e *Entity) Ready() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the entity is ready or ctx is done.
func (e *Entity) WaitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-e.closed:
		return ErrEntityClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers interest in the entity. The first subscriber starts
// polling once the entity is ready.
func (e *Entity) Subscribe(ctx context.Context) error {
	if err := e.WaitReady(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers++
	if e.subscribers == 1 {
		e.poller.Start()
	}
	return nil
}

// Unsubscribe drops one subscriber. Polling stops with the last one.
func (e *Entity) Unsubscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscribers == 0 {
		return
	}
	e.subscribers--
	if e.subscribers == 0 {
		e.poller.Stop()
	}
}

// Subscribers returns the current subscriber count.
func (e *Entity) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subscribers
}

// Polling reports whether the poller is active.
func (e *Entity) Polling() bool {
	return e.poller.Active()
}

// Attributes returns the media-player view of the entity.
func (e *Entity) Attributes() map[string]any {
	s := e.client.Status()
	conn := e.client.State()

	return map[string]any{
		"state":           mediaState(conn, s),
		"available":       conn.Available(),
		"connectivity":    string(conn),
		"volume":          s.Volume,
		"muted":           s.Muted,
		"media_position":  s.PositionMs / 1000,
		"media_duration":  s.DurationMs / 1000,
		"media_title":     s.Title,
		"media_artist":    s.Artist,
		"media_album":     s.Album,
		"media_image_url": s.ArtworkURL,
		"source":          s.Source,
		"source_list":     e.client.Sources(),
		"repeat":          strings.ToUpper(string(orDefault(s.Repeat, naimclient.RepeatOff))),
		"shuffle":         s.Shuffle,
	}
}

func mediaState(conn naimclient.ConnectivityState, s naimclient.Status) string {
	switch {
	case !conn.Available():
		return MediaStateUnavailable
	case !s.Power:
		return MediaStateOff
	}
	switch s.PlayState {
	case naimclient.PlayStatePlaying:
		return MediaStatePlaying
	case naimclient.PlayStatePaused:
		return MediaStatePaused
	case naimclient.PlayStateBuffering:
		return MediaStateBuffering
	default:
		return MediaStateOn
	}
}

func orDefault(m, def naimclient.RepeatMode) naimclient.RepeatMode {
	if m == "" {
		return def
	}
	return m
}

// allow waits for a command token or returns ErrRateLimited when ctx
// expires first.
func (e *Entity) allow(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return ErrRateLimited
	}
	return nil
}
