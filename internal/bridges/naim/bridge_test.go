package naim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-naim/internal/device"
	"github.com/nerrad567/gray-logic-naim/internal/infrastructure/config"
	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
	"github.com/nerrad567/gray-logic-naim/internal/naim/naimtest"
)

const (
	stateTopic = "graylogic/state/naim/atom"
	ackTopic   = "graylogic/ack/naim/atom"
)

func testNaimConfig() config.NaimConfig {
	return config.NaimConfig{
		RequestTimeout: 2,
		PollInterval:   1,
		ErrorBackoff:   1,
		VolumeStep:     3,
		CommandRate:    100,
		CommandBurst:   10,
		HealthInterval: 30,
	}
}

func deviceFor(fd *naimtest.Device, id string) device.Device {
	host, port := fd.HostPort()
	return device.Device{ID: id, Name: "Atom", Address: host, Port: port, Enabled: true}
}

type bridgeFixture struct {
	bridge *Bridge
	mqtt   *MockMQTTClient
	store  *mockStore
	tel    *mockTelemetry
	fd     *naimtest.Device
}

func startBridge(t *testing.T) *bridgeFixture {
	t.Helper()
	fd := naimtest.NewDevice(t)
	f := &bridgeFixture{
		mqtt:  NewMockMQTTClient(),
		store: newMockStore(deviceFor(fd, "atom")),
		tel:   &mockTelemetry{},
		fd:    fd,
	}
	b, err := NewBridge(BridgeOptions{
		Config:     testNaimConfig(),
		MQTTClient: f.mqtt,
		Store:      f.store,
		Telemetry:  f.tel,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	f.bridge = b
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewBridgeValidation(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{}); err == nil {
		t.Error("NewBridge() without MQTT client succeeded")
	}

	table := DefaultCommandTable()
	delete(table, "volume")
	_, err := NewBridge(BridgeOptions{MQTTClient: NewMockMQTTClient(), Commands: table})
	if !errors.Is(err, ErrCommandTable) {
		t.Errorf("NewBridge() error = %v, want ErrCommandTable", err)
	}
}

func TestBridgeStart(t *testing.T) {
	f := startBridge(t)

	subs := f.mqtt.subscribed()
	if len(subs) != 2 {
		t.Errorf("subscriptions = %v, want command and request patterns", subs)
	}

	entities := f.bridge.Registry().List()
	if len(entities) != 1 || entities[0].ID() != "atom" {
		t.Fatalf("Registry().List() = %d entities, want atom", len(entities))
	}

	id, ok := f.store.identity("atom")
	if !ok || id.Model != "Uniti Atom" || id.Serial != "ATOM1" || id.Firmware != "4.7.0" {
		t.Errorf("stored identity = %+v, %v", id, ok)
	}

	states := f.mqtt.publishedTo(stateTopic)
	if len(states) == 0 {
		t.Fatal("no state published after connect")
	}
	last := states[len(states)-1]
	if !last.Retained {
		t.Error("state message not retained")
	}
	var msg StateMessage
	if err := json.Unmarshal(last.Payload, &msg); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if msg.State["state"] != MediaStatePlaying || msg.State["volume"] != float64(50) {
		t.Errorf("state = %v", msg.State)
	}

	if p, _, c := f.tel.counts(); p == 0 || c == 0 {
		t.Errorf("telemetry playback = %d, connectivity = %d, want both > 0", p, c)
	}

	if health := f.mqtt.publishedTo("graylogic/health/naim"); len(health) == 0 {
		t.Error("no health published")
	}
}

func TestBridgeExecute(t *testing.T) {
	f := startBridge(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		cmd      CommandMessage
		wantCode string
	}{
		{"pause", CommandMessage{ID: "c1", DeviceID: "atom", Command: "pause"}, ""},
		{"remote volume up", CommandMessage{ID: "c2", DeviceID: "atom", Command: "VOLUME_UP"}, ""},
		{"volume out of range", CommandMessage{ID: "c3", DeviceID: "atom", Command: "volume", Parameters: map[string]any{"level": float64(150)}}, ErrCodeInvalidParameters},
		{"source not selectable", CommandMessage{ID: "c4", DeviceID: "atom", Command: "select_source", Parameters: map[string]any{"source": "ana1"}}, ErrCodeNotSelectable},
		{"seek", CommandMessage{ID: "c5", DeviceID: "atom", Command: "seek", Parameters: map[string]any{"position": float64(10)}}, ErrCodeNotSupported},
		{"seek without position", CommandMessage{ID: "c5b", DeviceID: "atom", Command: "seek"}, ErrCodeNotSupported},
		{"repeat all", CommandMessage{ID: "c5c", DeviceID: "atom", Command: "repeat", Parameters: map[string]any{"mode": "all"}}, ""},
		{"unknown repeat mode", CommandMessage{ID: "c5d", DeviceID: "atom", Command: "repeat", Parameters: map[string]any{"mode": "bogus"}}, ""},
		{"unknown command", CommandMessage{ID: "c6", DeviceID: "atom", Command: "eject"}, ErrCodeInvalidCommand},
		{"unknown device", CommandMessage{ID: "c7", DeviceID: "ghost", Command: "play"}, ErrCodeNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := f.bridge.Execute(ctx, tt.cmd)
			if ack.CommandID != tt.cmd.ID || ack.Protocol != Protocol {
				t.Errorf("ack = %+v", ack)
			}
			if tt.wantCode == "" {
				if !ack.Succeeded() {
					t.Errorf("ack status = %s, error = %+v", ack.Status, ack.Error)
				}
				return
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
			}
		})
	}

	s := f.fd.State()
	if s.TransportState != "1" {
		t.Errorf("device transportState = %q, want 1", s.TransportState)
	}
	if s.Repeat != "0" {
		t.Errorf("device repeat = %q, want 0 after an unknown mode", s.Repeat)
	}
	if s.Volume != 53 {
		t.Errorf("device volume = %d, want 53", s.Volume)
	}
	if got := f.fd.Count(http.MethodGet, "/inputs/ana1"); got != 0 {
		t.Errorf("select requests for ana1 = %d, want 0", got)
	}

	// Unknown devices are not recorded.
	if got := len(f.store.records()); got != len(tests)-1 {
		t.Errorf("history records = %d, want %d", got, len(tests)-1)
	}
	stats := f.bridge.Statistics()
	if stats.CommandsReceived != uint64(len(tests)) || stats.CommandsFailed != 6 {
		t.Errorf("Statistics() = %+v", stats)
	}

	waitFor(t, "paused state", func() bool {
		return f.bridge.Registry().List()[0].Attributes()["state"] == MediaStatePaused
	})
}

func TestBridgeMQTTCommand(t *testing.T) {
	f := startBridge(t)

	payload := []byte(`{"id":"m1","command":"mute","parameters":{}}`)
	if !f.mqtt.SimulateMessage("graylogic/command/naim/atom", payload) {
		t.Fatal("no handler for command topic")
	}

	acks := f.mqtt.publishedTo(ackTopic)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	var ack AckMessage
	if err := json.Unmarshal(acks[0].Payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if ack.CommandID != "m1" || ack.DeviceID != "atom" || ack.Status != AckAccepted {
		t.Errorf("ack = %+v", ack)
	}
	if !f.fd.State().Muted {
		t.Error("device not muted")
	}

	recs := f.store.records()
	if len(recs) != 1 || recs[0].Source != "mqtt" {
		t.Errorf("history = %+v", recs)
	}

	// Malformed payloads are dropped without an ack.
	f.mqtt.SimulateMessage("graylogic/command/naim/atom", []byte("{"))
	if got := len(f.mqtt.publishedTo(ackTopic)); got != 1 {
		t.Errorf("acks after malformed command = %d, want 1", got)
	}
}

func TestBridgeSubscribeRequestStartsPolling(t *testing.T) {
	f := startBridge(t)
	e, _ := f.bridge.Registry().Get("atom")

	f.mqtt.SimulateMessage("graylogic/request/naim/atom", []byte(`{"request_id":"r1","action":"subscribe"}`))
	waitFor(t, "polling", e.Polling)

	f.mqtt.SimulateMessage("graylogic/request/naim/atom", []byte(`{"request_id":"r2","action":"unsubscribe"}`))
	if e.Polling() {
		t.Error("polling still active after unsubscribe")
	}
}

func TestBridgeReadRequestPublishesDegradedState(t *testing.T) {
	f := startBridge(t)
	e, _ := f.bridge.Registry().Get("atom")

	f.fd.Fail("/power", http.StatusInternalServerError)
	before := len(f.mqtt.publishedTo(stateTopic))

	f.mqtt.SimulateMessage("graylogic/request/naim/atom", []byte(`{"action":"read"}`))
	waitFor(t, "degraded state", func() bool {
		return e.Client().State() == naimclient.StateDegraded && len(f.mqtt.publishedTo(stateTopic)) > before
	})

	if e.Attributes()["volume"] != 50 {
		t.Errorf("volume after failed refresh = %v, want 50", e.Attributes()["volume"])
	}
}

func TestBridgeUnreachableDeviceIsHidden(t *testing.T) {
	fd := naimtest.NewDevice(t)
	dev := deviceFor(fd, "atom")
	fd.Close()

	b, err := NewBridge(BridgeOptions{
		Config:     testNaimConfig(),
		MQTTClient: NewMockMQTTClient(),
		Store:      newMockStore(dev),
	})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer b.Stop()

	if n := b.Registry().Len(); n != 1 {
		t.Errorf("Registry().Len() = %d, want 1", n)
	}
	if list := b.Registry().List(); len(list) != 0 {
		t.Errorf("Registry().List() = %d entities, want 0 before ready", len(list))
	}

	e, _ := b.Registry().Get("atom")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Subscribe(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Subscribe() error = %v, want DeadlineExceeded", err)
	}

	ack := b.Execute(context.Background(), CommandMessage{ID: "x", DeviceID: "atom", Command: "play"})
	if ack.Error == nil || ack.Error.Code != ErrCodeDeviceUnreachable {
		t.Errorf("ack error = %+v, want DEVICE_UNREACHABLE", ack.Error)
	}

	if summary := b.Registry().Summary(); summary.Errored != 1 {
		t.Errorf("Summary().Errored = %d, want 1", summary.Errored)
	}
	if h := b.Health(); h.Status != HealthDegraded {
		t.Errorf("Health().Status = %s, want degraded", h.Status)
	}
}

func TestBridgeAddRemoveDevice(t *testing.T) {
	f := startBridge(t)

	fd2 := naimtest.NewDevice(t)
	if err := f.bridge.AddDevice(deviceFor(fd2, "nova")); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := f.bridge.AddDevice(deviceFor(fd2, "nova")); !errors.Is(err, ErrDeviceExists) {
		t.Errorf("duplicate AddDevice() error = %v, want ErrDeviceExists", err)
	}
	waitFor(t, "nova ready", func() bool { return len(f.bridge.Registry().List()) == 2 })

	if !f.bridge.RemoveDevice("nova") {
		t.Error("RemoveDevice(nova) = false")
	}
	if f.bridge.RemoveDevice("nova") {
		t.Error("second RemoveDevice(nova) = true")
	}
	if err := f.bridge.Reconnect(context.Background(), "nova"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Reconnect(nova) error = %v, want ErrUnknownDevice", err)
	}
}

func TestBridgeReconnectFailureKeepsPolling(t *testing.T) {
	f := startBridge(t)
	ctx := context.Background()

	e, ok := f.bridge.Registry().Get("atom")
	if !ok {
		t.Fatal("atom not registered")
	}
	if err := e.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	f.fd.Fail("/levels/room", http.StatusInternalServerError)
	if err := f.bridge.Reconnect(ctx, "atom"); err == nil {
		t.Fatal("Reconnect() succeeded with a failing refresh")
	}
	if !e.Polling() {
		t.Fatal("polling stopped after a failed reconnect")
	}

	f.fd.Fail("/levels/room", 0)
	waitFor(t, "device to recover", func() bool {
		return e.Client().State() == naimclient.StateConnected
	})
	if got := e.Subscribers(); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestBridgeStateListener(t *testing.T) {
	f := startBridge(t)

	got := make(chan map[string]any, 8)
	id := f.bridge.AddStateListener(func(deviceID string, state map[string]any) {
		if deviceID == "atom" {
			got <- state
		}
	})

	if err := f.bridge.Reconnect(context.Background(), "atom"); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	select {
	case state := <-got:
		if _, ok := state["source_list"]; !ok {
			t.Errorf("state missing source_list: %v", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	f.bridge.RemoveStateListener(id)
}
