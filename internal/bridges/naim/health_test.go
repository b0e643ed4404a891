package naim

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHealthReporterStatus(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		summary    DeviceSummary
		wantStatus HealthStatus
		wantReason string
	}{
		{"healthy", true, DeviceSummary{Total: 2, Connected: 2}, HealthHealthy, ""},
		{"mqtt down", false, DeviceSummary{Total: 1}, HealthDegraded, "MQTT disconnected"},
		{"device error", true, DeviceSummary{Total: 3, Errored: 2}, HealthDegraded, "2 device(s) in error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := NewMockMQTTClient()
			pub.setConnected(tt.connected)
			h := NewHealthReporter(HealthReporterConfig{
				Version:   "1.2.3",
				Publisher: pub,
				Devices:   func() DeviceSummary { return tt.summary },
				Stats:     func() BridgeStatistics { return BridgeStatistics{CommandsReceived: 4} },
			})

			msg := h.Snapshot()
			if msg.Status != tt.wantStatus || msg.Reason != tt.wantReason {
				t.Errorf("Snapshot() = (%s, %q), want (%s, %q)", msg.Status, msg.Reason, tt.wantStatus, tt.wantReason)
			}
			if msg.Bridge != Protocol || msg.Version != "1.2.3" {
				t.Errorf("Bridge/Version = %s/%s", msg.Bridge, msg.Version)
			}
			if msg.DevicesManaged != tt.summary.Total {
				t.Errorf("DevicesManaged = %d, want %d", msg.DevicesManaged, tt.summary.Total)
			}
			if msg.Statistics == nil || msg.Statistics.CommandsReceived != 4 {
				t.Errorf("Statistics = %+v", msg.Statistics)
			}
		})
	}
}

func TestHealthReporterLifecycle(t *testing.T) {
	pub := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{Publisher: pub, Interval: 20 * time.Millisecond})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}
	h.Start(context.Background())
	waitFor(t, "periodic health", func() bool { return len(pub.publishedTo(h.Topic())) >= 3 })
	h.Stop()
	h.Stop()

	msgs := pub.publishedTo(h.Topic())
	decode := func(p mockPublish) HealthMessage {
		var m HealthMessage
		if err := json.Unmarshal(p.Payload, &m); err != nil {
			t.Fatalf("health payload: %v", err)
		}
		return m
	}
	if first := decode(msgs[0]); first.Status != HealthStarting {
		t.Errorf("first status = %s, want starting", first.Status)
	}
	if last := decode(msgs[len(msgs)-1]); last.Status != HealthStopping {
		t.Errorf("last status = %s, want stopping", last.Status)
	}
	for _, m := range msgs {
		if !m.Retained || m.QoS != 1 {
			t.Errorf("health message qos/retained = %d/%v", m.QoS, m.Retained)
		}
	}
	if h.Topic() != "graylogic/health/naim" {
		t.Errorf("Topic() = %q", h.Topic())
	}
}
