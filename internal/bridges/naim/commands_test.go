package naim

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

func itoa(v int) string { return strconv.Itoa(v) }

func TestDefaultCommandTableValid(t *testing.T) {
	if err := DefaultCommandTable().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestCommandTableValidateMismatch(t *testing.T) {
	table := DefaultCommandTable()
	delete(table, "seek")
	table["launch"] = simple(Commander.Play)

	err := table.Validate()
	if !errors.Is(err, ErrCommandTable) {
		t.Fatalf("Validate() error = %v, want ErrCommandTable", err)
	}
	for _, want := range []string{"missing seek", "unexpected launch"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error = %q, want it to mention %q", err, want)
		}
	}
}

func TestRemoteCommands(t *testing.T) {
	remotes := RemoteCommands()
	want := map[string]bool{
		"POWER_ON": false, "BALANCE_CENTER": false, "SOURCE_SPOTIFY": false,
		"SOURCE_ANA1": false, "SOURCE_DIG5": false, "SOURCE_MULTIROOM": false,
	}
	for _, id := range remotes {
		if _, ok := want[id]; ok {
			want[id] = true
		}
	}
	for id, found := range want {
		if !found {
			t.Errorf("RemoteCommands() missing %s", id)
		}
	}
}

func TestCommandHandlers(t *testing.T) {
	tests := []struct {
		command  string
		params   map[string]any
		wantCall string
		wantErr  error
	}{
		{"on", nil, "PowerOn", nil},
		{"toggle", nil, "PowerToggle", nil},
		{"play_pause", nil, "PlayPause", nil},
		{"previous", nil, "Previous", nil},
		{"volume", map[string]any{"level": float64(40)}, "SetVolume(40)", nil},
		{"volume", map[string]any{"volume": "35"}, "SetVolume(35)", nil},
		{"volume", nil, "", naimclient.ErrInvalidArgument},
		{"volume", map[string]any{"level": "loud"}, "", naimclient.ErrInvalidArgument},
		{"volume_up", nil, "VolumeUp(0)", nil},
		{"volume_down", map[string]any{"step": float64(5)}, "VolumeDown(5)", nil},
		{"mute_toggle", nil, "MuteToggle", nil},
		{"select_source", map[string]any{"source": "radio"}, "SetSource(radio)", nil},
		{"select_source", nil, "", naimclient.ErrInvalidArgument},
		{"repeat", map[string]any{"mode": "ALL"}, "SetRepeat(all)", nil},
		{"repeat", map[string]any{"mode": "sometimes"}, "SetRepeat(off)", nil},
		{"repeat", nil, "SetRepeat(off)", nil},
		{"shuffle", map[string]any{"enabled": "1"}, "SetShuffle(true)", nil},
		{"shuffle", map[string]any{"enabled": false}, "SetShuffle(false)", nil},
		{"shuffle", nil, "", naimclient.ErrInvalidArgument},
		{"seek", map[string]any{"position": float64(1000)}, "Seek(1000)", nil},
		{"seek", nil, "Seek(0)", nil},
		{"balance", map[string]any{"value": float64(-3)}, "SetBalance(-3)", nil},
		{"POWER_OFF", nil, "PowerOff", nil},
		{"play_pause", nil, "PlayPause", nil},
		{"BALANCE_LEFT", nil, "SetBalance(-1)", nil},
		{"BALANCE_CENTER", nil, "SetBalance(0)", nil},
		{"SOURCE_DIG5", nil, "SetSource(dig5)", nil},
		{"source_hdmi", nil, "SetSource(hdmi)", nil},
	}

	table := DefaultCommandTable()
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			handler, ok := table.Lookup(tt.command)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.command)
			}
			params, err := DecodeParams(tt.params)
			if err == nil {
				dev := &mockCommander{}
				err = handler(context.Background(), dev, params)
				if got := dev.last(); got != tt.wantCall {
					t.Errorf("call = %q, want %q", got, tt.wantCall)
				}
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, ok := DefaultCommandTable().Lookup("self_destruct"); ok {
		t.Error("Lookup(self_destruct) found a handler")
	}
}

func TestAckCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus AckStatus
	}{
		{"nil", nil, "", AckAccepted},
		{"unknown device", ErrUnknownDevice, ErrCodeNotConfigured, AckFailed},
		{"unknown command", ErrUnknownCommand, ErrCodeInvalidCommand, AckFailed},
		{"invalid", naimclient.ErrInvalidArgument, ErrCodeInvalidParameters, AckFailed},
		{"unsupported", naimclient.ErrUnsupported, ErrCodeNotSupported, AckFailed},
		{"not selectable", naimclient.ErrNotSelectable, ErrCodeNotSelectable, AckFailed},
		{"http", &naimclient.HTTPError{StatusCode: 500}, ErrCodeProtocolError, AckFailed},
		{"malformed", naimclient.ErrMalformed, ErrCodeProtocolError, AckFailed},
		{"unreachable", naimclient.ErrUnreachable, ErrCodeDeviceUnreachable, AckFailed},
		{"not connected", naimclient.ErrNotConnected, ErrCodeDeviceUnreachable, AckFailed},
		{"rate", ErrRateLimited, ErrCodeTimeout, AckTimeout},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout, AckTimeout},
		{"other", errors.New("boom"), ErrCodeBridgeError, AckFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status := AckCode(tt.err)
			if code != tt.wantCode || status != tt.wantStatus {
				t.Errorf("AckCode() = (%q, %q), want (%q, %q)", code, status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}
