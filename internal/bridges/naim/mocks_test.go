package naim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-naim/internal/device"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/influxdb"
	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// SimulateMessage delivers payload to the handler whose pattern matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) bool {
	m.mu.Lock()
	var handler func(string, []byte)
	for pattern, h := range m.handlers {
		if strings.HasSuffix(pattern, "/+") && strings.HasPrefix(topic, strings.TrimSuffix(pattern, "+")) {
			handler = h
		}
	}
	m.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(topic, payload)
	return true
}

// publishedTo returns messages published to topic.
func (m *MockMQTTClient) publishedTo(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		out = append(out, t)
	}
	return out
}

// mockStore implements DeviceStore.
type mockStore struct {
	mu         sync.Mutex
	devices    []device.Device
	identities map[string]device.Identity
	history    []device.CommandRecord
}

func newMockStore(devices ...device.Device) *mockStore {
	return &mockStore{devices: devices, identities: make(map[string]device.Identity)}
}

func (s *mockStore) ListEnabled(context.Context) []device.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []device.Device
	for _, d := range s.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

func (s *mockStore) SetIdentity(_ context.Context, id string, identity device.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id] = identity
	return nil
}

func (s *mockStore) RecordCommand(_ context.Context, rec *device.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, *rec)
	return nil
}

func (s *mockStore) records() []device.CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.CommandRecord(nil), s.history...)
}

func (s *mockStore) identity(id string) (device.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[id]
	return i, ok
}

// mockTelemetry implements Telemetry.
type mockTelemetry struct {
	mu           sync.Mutex
	playback     []influxdb.PlaybackSample
	commands     []string
	connectivity []string
}

func (m *mockTelemetry) WritePlayback(s influxdb.PlaybackSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playback = append(m.playback, s)
}

func (m *mockTelemetry) WriteCommand(deviceID, command, errCode string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, deviceID+"/"+command+"/"+errCode)
}

func (m *mockTelemetry) WriteConnectivity(deviceID, state string, _ bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = append(m.connectivity, deviceID+"/"+state)
}

func (m *mockTelemetry) counts() (playback, commands, connectivity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.playback), len(m.commands), len(m.connectivity)
}

// mockCommander records Commander calls.
type mockCommander struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockCommander) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return m.err
}

func (m *mockCommander) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return ""
	}
	return m.calls[len(m.calls)-1]
}

func (m *mockCommander) PowerOn(context.Context) error     { return m.record("PowerOn") }
func (m *mockCommander) PowerOff(context.Context) error    { return m.record("PowerOff") }
func (m *mockCommander) PowerToggle(context.Context) error { return m.record("PowerToggle") }
func (m *mockCommander) Play(context.Context) error        { return m.record("Play") }
func (m *mockCommander) Pause(context.Context) error       { return m.record("Pause") }
func (m *mockCommander) PlayPause(context.Context) error   { return m.record("PlayPause") }
func (m *mockCommander) Stop(context.Context) error        { return m.record("Stop") }
func (m *mockCommander) Next(context.Context) error        { return m.record("Next") }
func (m *mockCommander) Previous(context.Context) error    { return m.record("Previous") }
func (m *mockCommander) Mute(context.Context) error        { return m.record("Mute") }
func (m *mockCommander) Unmute(context.Context) error      { return m.record("Unmute") }
func (m *mockCommander) MuteToggle(context.Context) error  { return m.record("MuteToggle") }

func (m *mockCommander) SetVolume(_ context.Context, v int) error {
	return m.record("SetVolume(" + itoa(v) + ")")
}

func (m *mockCommander) VolumeUp(_ context.Context, step int) error {
	return m.record("VolumeUp(" + itoa(step) + ")")
}

func (m *mockCommander) VolumeDown(_ context.Context, step int) error {
	return m.record("VolumeDown(" + itoa(step) + ")")
}

func (m *mockCommander) SetSource(_ context.Context, id string) error {
	return m.record("SetSource(" + id + ")")
}

func (m *mockCommander) SetRepeat(_ context.Context, mode naimclient.RepeatMode) error {
	return m.record("SetRepeat(" + string(mode) + ")")
}

func (m *mockCommander) SetShuffle(_ context.Context, on bool) error {
	if on {
		return m.record("SetShuffle(true)")
	}
	return m.record("SetShuffle(false)")
}

func (m *mockCommander) Seek(_ context.Context, pos int) error {
	return m.record("Seek(" + itoa(pos) + ")")
}

func (m *mockCommander) SetBalance(_ context.Context, v int) error {
	return m.record("SetBalance(" + itoa(v) + ")")
}
