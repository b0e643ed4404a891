package naim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-naim/internal/device"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/mqtt"
	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// Bridge operation constants.
const (
	// connectRetryInitial and connectRetryMax bound the backoff between
	// connection attempts for devices that failed to connect.
	connectRetryInitial = 5 * time.Second
	connectRetryMax     = 60 * time.Second

	// connectConcurrency caps parallel device connects at start.
	connectConcurrency = 8

	// commandQoS is used for command and request subscriptions and acks.
	commandQoS byte = 1
)

// Logger is the structured logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// main.go adapts *mqtt.Client to it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// DeviceStore persists the flat device list and command history.
// *device.Registry satisfies it.
type DeviceStore interface {
	ListEnabled(ctx context.Context) []device.Device
	SetIdentity(ctx context.Context, id string, identity device.Identity) error
	RecordCommand(ctx context.Context, rec *device.CommandRecord) error
}

// Telemetry receives time-series samples. *influxdb.Client satisfies it.
type Telemetry interface {
	WritePlayback(s influxdb.PlaybackSample)
	WriteCommand(deviceID, command, errCode string, latency time.Duration)
	WriteConnectivity(deviceID, state string, available bool)
}

// StateListener receives the attribute view of a device after every
// state change.
type StateListener func(deviceID string, state map[string]any)

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config config.NaimConfig

	// MQTTClient is required.
	MQTTClient MQTTClient

	// Store seeds entities at Start and records identity and history.
	// Optional.
	Store DeviceStore

	// Telemetry is optional.
	Telemetry Telemetry

	// Registry is created when nil.
	Registry *DeviceRegistry

	// Commands defaults to DefaultCommandTable().
	Commands CommandTable

	Logger  Logger
	Version string
}

// Bridge translates between Naim devices and the Gray Logic MQTT bus.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg       config.NaimConfig
	mqtt      MQTTClient
	store     DeviceStore
	telemetry Telemetry
	registry  *DeviceRegistry
	commands  CommandTable
	health    *HealthReporter
	topics    mqtt.Topics

	listenersMu  sync.RWMutex
	listeners    map[int]StateListener
	nextListener int

	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64

	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge creates a bridge. The command table is validated against
// SupportedCommands and a mismatch fails construction.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	commands := opts.Commands
	if commands == nil {
		commands = DefaultCommandTable()
	}
	if err := commands.Validate(); err != nil {
		return nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewDeviceRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       withDefaults(opts.Config),
		mqtt:      opts.MQTTClient,
		store:     opts.Store,
		telemetry: opts.Telemetry,
		registry:  registry,
		commands:  commands,
		listeners: make(map[int]StateListener),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  Protocol,
		Version:   opts.Version,
		Interval:  b.cfg.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Devices:   registry.Summary,
		Stats:     b.Statistics,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}
	return b, nil
}

// withDefaults fills unset timings so a zero config still behaves.
func withDefaults(cfg config.NaimConfig) config.NaimConfig {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = int(naimclient.DefaultTimeout / time.Second)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = int(naimclient.DefaultPollInterval / time.Second)
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = int(naimclient.DefaultErrorBackoff / time.Second)
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = int(DefaultHealthInterval / time.Second)
	}
	return cfg
}

// Start subscribes to command and request topics, creates an entity for
// every enabled device and connects them concurrently. Devices that fail
// to connect keep retrying in the background.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	for _, topic := range []string{b.topics.BridgeCommands(Protocol), b.topics.BridgeRequests(Protocol)} {
		if err := b.mqtt.Subscribe(topic, commandQoS, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		b.logInfo("subscribed", "topic", topic)
	}

	var entities []*Entity
	if b.store != nil {
		for _, dev := range b.store.ListEnabled(ctx) {
			e, err := b.addEntity(dev)
			if err != nil {
				b.logError("failed to register device", fmt.Errorf("%s: %w", dev.ID, err))
				continue
			}
			entities = append(entities, e)
		}
	}

	var g errgroup.Group
	g.SetLimit(connectConcurrency)
	for _, e := range entities {
		g.Go(func() error {
			if err := b.connectEntity(ctx, e); err != nil {
				b.logWarn("device connect failed, retrying in background",
					"device_id", e.ID(), "error", err)
				b.retryConnect(e)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Connect failures are retried, never returned

	b.health.Start(b.ctx)

	summary := b.registry.Summary()
	b.logInfo("naim bridge started", "devices", summary.Total, "ready", summary.Ready)
	return nil
}

// Stop disconnects every device and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()
		b.health.Stop()
		for _, e := range b.registry.All() {
			e.Close()
		}
		b.wg.Wait()
		b.logInfo("naim bridge stopped")
	})
}

// Registry returns the device registry shared with the API.
func (b *Bridge) Registry() *DeviceRegistry {
	return b.registry
}

// Health returns the current health without publishing it.
func (b *Bridge) Health() HealthMessage {
	return b.health.Snapshot()
}

// Statistics returns the bridge counters.
func (b *Bridge) Statistics() BridgeStatistics {
	return BridgeStatistics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
	}
}

// AddDevice registers a device created at runtime and connects it in the
// background.
func (b *Bridge) AddDevice(dev device.Device) error {
	e, err := b.addEntity(dev)
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.connectEntity(b.ctx, e); err != nil {
			b.logWarn("device connect failed, retrying in background", "device_id", e.ID(), "error", err)
			b.retryConnect(e)
		}
	}()
	return nil
}

// RemoveDevice closes and unregisters a device. It reports whether the
// device was registered.
func (b *Bridge) RemoveDevice(id string) bool {
	e := b.registry.Remove(id)
	if e == nil {
		return false
	}
	e.Close()
	b.logInfo("naim device removed", "device_id", id)
	return true
}

// Reconnect drops and re-establishes the connection to a device.
func (b *Bridge) Reconnect(ctx context.Context, id string) error {
	e, ok := b.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	e.Disconnect()
	if err := b.connectEntity(ctx, e); err != nil {
		b.retryConnect(e)
		return err
	}
	return nil
}

// AddStateListener registers fn for every published state and returns an
// id for RemoveStateListener.
func (b *Bridge) AddStateListener(fn StateListener) int {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	b.nextListener++
	b.listeners[b.nextListener] = fn
	return b.nextListener
}

// RemoveStateListener unregisters a state listener.
func (b *Bridge) RemoveStateListener(id int) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()
	delete(b.listeners, id)
}

func (b *Bridge) addEntity(dev device.Device) (*Entity, error) {
	e := NewEntity(EntityOptions{
		Device: dev,
		Client: naimclient.ClientOptions{
			Timeout:    b.cfg.GetRequestTimeout(),
			Retries:    b.cfg.Retries,
			VolumeStep: b.cfg.VolumeStep,
			Events: naimclient.EventOptions{
				Enabled:          b.cfg.Events.Enabled,
				Reconnect:        b.cfg.Events.Reconnect,
				ReconnectInitial: b.cfg.Events.GetReconnectInitial(),
				ReconnectMax:     b.cfg.Events.GetReconnectMax(),
			},
			Logger: b.getLogger(),
		},
		Polling: naimclient.PollerOptions{
			Interval:     b.cfg.GetPollInterval(),
			ErrorBackoff: b.cfg.GetErrorBackoff(),
		},
		CommandRate:  b.cfg.CommandRate,
		CommandBurst: b.cfg.CommandBurst,
	})
	if err := b.registry.Register(e); err != nil {
		return nil, err
	}
	e.Client().AddListener(func(ev naimclient.Event) { b.handleDeviceEvent(e, ev) })

	if dev.StandbyMonitoring {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := e.Subscribe(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.logDebug("standby monitoring not started", "device_id", e.ID(), "reason", err.Error())
			}
		}()
	}
	return e, nil
}

// connectEntity connects a device and stores the identity it reports.
func (b *Bridge) connectEntity(ctx context.Context, e *Entity) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	if b.store != nil {
		info := e.Client().SystemInfo()
		identity := device.Identity{
			Model:    info.Model,
			Hostname: info.Hostname,
			Serial:   info.Serial,
			Firmware: info.Version,
		}
		if err := b.store.SetIdentity(ctx, e.ID(), identity); err != nil {
			b.logDebug("identity not stored", "device_id", e.ID(), "reason", err.Error())
		}
	}
	return nil
}

// retryConnect keeps connecting e with exponential backoff until it
// succeeds, the entity is closed or the bridge stops. At most one loop runs
// per entity.
func (b *Bridge) retryConnect(e *Entity) {
	if !e.retrying.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer e.retrying.Store(false)

		delay := connectRetryInitial
		for {
			timer := time.NewTimer(delay)
			select {
			case <-b.ctx.Done():
				timer.Stop()
				return
			case <-e.Closed():
				timer.Stop()
				return
			case <-timer.C:
			}

			err := b.connectEntity(b.ctx, e)
			if err == nil {
				b.logInfo("device connected after retry", "device_id", e.ID())
				return
			}
			b.logDebug("device connect retry failed", "device_id", e.ID(), "delay", delay, "reason", err.Error())

			delay *= 2
			if delay > connectRetryMax {
				delay = connectRetryMax
			}
		}
	}()
}

// handleDeviceEvent publishes state and telemetry for a client event.
func (b *Bridge) handleDeviceEvent(e *Entity, ev naimclient.Event) {
	if b.telemetry != nil {
		if ev.Type == naimclient.EventConnectivity {
			b.telemetry.WriteConnectivity(e.ID(), string(ev.State), ev.State.Available())
		} else {
			s := e.Client().Status()
			b.telemetry.WritePlayback(influxdb.PlaybackSample{
				DeviceID:   e.ID(),
				Power:      s.Power,
				PlayState:  string(s.PlayState),
				Source:     s.Source,
				Volume:     s.Volume,
				Muted:      s.Muted,
				PositionMs: int64(s.PositionMs),
				DurationMs: int64(s.DurationMs),
				Time:       s.UpdatedAt,
			})
		}
	}
	b.publishState(e)
}

// publishState publishes the retained state of e and notifies listeners.
func (b *Bridge) publishState(e *Entity) {
	state := e.Attributes()
	msg := StateMessage{
		DeviceID:  e.ID(),
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   e.Address(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.BridgeState(Protocol, e.ID()), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
	} else {
		b.statesPublished.Add(1)
	}

	b.listenersMu.RLock()
	fns := make([]StateListener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(e.ID(), state)
	}
}

// handleMQTTMessage routes command and request topics.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parsed, err := mqtt.ParseBridgeTopic(topic)
	if err != nil {
		b.logError("invalid topic", err)
		return
	}

	switch parsed.Category {
	case mqtt.CategoryCommand:
		b.handleCommand(parsed.DeviceID, payload)
	case mqtt.CategoryRequest:
		b.handleRequest(parsed.DeviceID, payload)
	default:
		b.logError("unknown message category", fmt.Errorf("topic: %s", topic))
	}
}

func (b *Bridge) handleCommand(topicDeviceID string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicDeviceID
	}
	if cmd.Source == "" {
		cmd.Source = "mqtt"
	}

	ack := b.Execute(b.ctx, cmd)
	b.publishAck(ack)
}

// Execute runs a command and returns its acknowledgement. It is shared by
// the MQTT and REST paths; the caller publishes or returns the ack.
func (b *Bridge) Execute(ctx context.Context, cmd CommandMessage) AckMessage {
	start := time.Now()
	b.commandsReceived.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	e, ok := b.registry.Get(cmd.DeviceID)
	var err error
	address := ""
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownDevice, cmd.DeviceID)
	} else {
		address = e.Address()
		err = b.runCommand(ctx, e, cmd)
	}

	latency := time.Since(start)
	ack := newAck(cmd, address, latency, err)

	if err != nil {
		b.commandsFailed.Add(1)
		b.logWarn("command failed",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"command", cmd.Command,
			"code", ack.Error.Code,
			"error", err)
	}
	if ok {
		b.recordCommand(cmd, ack, latency)
		if err == nil {
			b.refreshAsync(e)
		}
	}
	return ack
}

func (b *Bridge) runCommand(ctx context.Context, e *Entity, cmd CommandMessage) error {
	handler, ok := b.commands.Lookup(cmd.Command)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command)
	}
	params, err := DecodeParams(cmd.Parameters)
	if err != nil {
		return err
	}

	// Volume steps read then write, so allow two request timeouts.
	cmdCtx, cancel := context.WithTimeout(ctx, 2*b.cfg.GetRequestTimeout())
	defer cancel()

	if err := e.allow(cmdCtx); err != nil {
		return err
	}
	return handler(cmdCtx, e.Client(), params)
}

func (b *Bridge) recordCommand(cmd CommandMessage, ack AckMessage, latency time.Duration) {
	code := ""
	if ack.Error != nil {
		code = ack.Error.Code
	}
	if b.telemetry != nil {
		b.telemetry.WriteCommand(cmd.DeviceID, cmd.Command, code, latency)
	}
	if b.store == nil {
		return
	}
	rec := &device.CommandRecord{
		DeviceID:   cmd.DeviceID,
		CommandID:  cmd.ID,
		Command:    cmd.Command,
		Parameters: cmd.Parameters,
		Source:     cmd.Source,
		ErrorCode:  code,
		LatencyMs:  latency.Milliseconds(),
	}
	if err := b.store.RecordCommand(b.ctx, rec); err != nil {
		b.logDebug("command history skipped", "device_id", cmd.DeviceID, "reason", err.Error())
	}
}

// refreshAsync refreshes e after a command so the new state is published
// without waiting for the next poll.
func (b *Bridge) refreshAsync(e *Entity) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.GetRequestTimeout())
		defer cancel()
		if err := e.Client().Refresh(ctx); err != nil {
			b.logDebug("post-command refresh failed", "device_id", e.ID(), "reason", err.Error())
		}
	}()
}

func (b *Bridge) publishAck(ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.BridgeAck(Protocol, ack.DeviceID), payload, commandQoS, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// handleRequest serves read and subscription requests from the MQTT host.
func (b *Bridge) handleRequest(deviceID string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}
	e, ok := b.registry.Get(deviceID)
	if !ok {
		b.logWarn("request for unknown device", "device_id", deviceID, "action", req.Action)
		return
	}

	switch req.Action {
	case RequestRead:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(b.ctx, b.cfg.GetRequestTimeout())
			defer cancel()
			// A failed refresh still publishes the degraded view.
			if err := e.Client().Refresh(ctx); err != nil {
				b.publishState(e)
			}
		}()
	case RequestSubscribe:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := e.Subscribe(b.ctx); err != nil {
				b.logDebug("subscribe request dropped", "device_id", deviceID, "reason", err.Error())
				return
			}
			b.publishState(e)
		}()
	case RequestUnsubscribe:
		e.Unsubscribe()
	default:
		b.logWarn("unknown request action", "device_id", deviceID, "action", req.Action)
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
