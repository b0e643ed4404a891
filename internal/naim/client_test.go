package naim

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func connectedClient(t *testing.T, fd *fakeDevice) *Client {
	t.Helper()
	c := fd.client(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	fd.resetRecorded()
	return c
}

func TestConnect(t *testing.T) {
	fd := newFakeDevice(t)
	c := fd.client(t)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if got := c.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if got := c.Endpoint().BasePath; got != "" {
		t.Errorf("BasePath = %q, want empty", got)
	}
	if got := c.SystemInfo().Model; got != "32" {
		t.Errorf("SystemInfo().Model = %q, want 32", got)
	}
	if got := len(c.Inputs()); got != 4 {
		t.Errorf("len(Inputs()) = %d, want 4", got)
	}
}

func TestConnectPrefixNegotiation(t *testing.T) {
	redirect := `<html><head><meta http-equiv="refresh" content="0; url=/naim/index.fcgi"></head><body>Naim</body></html>`

	tests := []struct {
		name         string
		rootBody     string
		rootType     string
		devicePrefix string
		wantBase     string
	}{
		{
			name:         "marker with working prefix",
			rootBody:     redirect,
			rootType:     "text/html",
			devicePrefix: "/naim",
			wantBase:     "/naim",
		},
		{
			name:         "marker but prefix probes fail",
			rootBody:     redirect,
			rootType:     "text/html",
			devicePrefix: "",
			wantBase:     "",
		},
		{
			name:         "plain html root",
			rootBody:     `<html><body>Naim Uniti web UI</body></html>`,
			rootType:     "text/html",
			devicePrefix: "",
			wantBase:     "",
		},
		{
			name:         "no marker",
			rootBody:     `{"name":"root"}`,
			rootType:     "application/json",
			devicePrefix: "",
			wantBase:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newFakeDevice(t)
			fd.set(func(fd *fakeDevice) {
				fd.rootBody = tt.rootBody
				fd.rootType = tt.rootType
				fd.prefix = tt.devicePrefix
			})
			c := fd.client(t)
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer c.Disconnect()

			if got := c.Endpoint().BasePath; got != tt.wantBase {
				t.Errorf("BasePath = %q, want %q", got, tt.wantBase)
			}
		})
	}
}

func TestConnectRootFailure(t *testing.T) {
	fd := newFakeDevice(t)
	c := fd.client(t)
	fd.srv.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Connect() error = %v, want ErrUnreachable", err)
	}
	if got := c.State(); got != StateError {
		t.Errorf("State() = %v, want %v", got, StateError)
	}
}

func TestConnectInputsFailureUsesDefaults(t *testing.T) {
	fd := newFakeDevice(t)
	fd.set(func(fd *fakeDevice) {
		fd.fail["/inputs"] = http.StatusInternalServerError
		fd.fail["/system"] = http.StatusInternalServerError
	})
	c := fd.client(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if got := c.Sources(); !reflect.DeepEqual(got, DefaultSources) {
		t.Errorf("Sources() = %v, want %v", got, DefaultSources)
	}
	names := c.SourceNames()
	if names["radio"] != "Internet Radio" || names["ana3"] != "Analogue 3" {
		t.Errorf("SourceNames() missing defaults: %v", names)
	}
}

func TestSources(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	// ana1 is not selectable, dig2 is disabled.
	want := []string{"spotify", "radio"}
	if got := c.Sources(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sources() = %v, want %v", got, want)
	}
	if got := c.SourceNames()["ana1"]; got != "Analogue 1" {
		t.Errorf("SourceNames()[ana1] = %q, want Analogue 1", got)
	}
}

func TestSetVolumeOutOfRange(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	for _, v := range []int{-1, 101, 150} {
		err := c.SetVolume(context.Background(), v)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("SetVolume(%d) error = %v, want ErrInvalidArgument", v, err)
		}
	}
	if got := len(fd.recorded()); got != 0 {
		t.Errorf("requests sent = %d, want 0", got)
	}
}

func TestSetVolumeSendsOnePut(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	if err := c.SetVolume(context.Background(), 42); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}

	reqs := fd.recorded()
	if len(reqs) != 1 {
		t.Fatalf("requests sent = %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.Method != http.MethodPut || r.Path != "/levels/room" || r.Query.Get("volume") != "42" {
		t.Errorf("request = %s %s?%s, want PUT /levels/room?volume=42", r.Method, r.Path, r.Query.Encode())
	}
}

func TestVolumeStepClamps(t *testing.T) {
	tests := []struct {
		name  string
		start int
		up    bool
		step  int
		want  int
	}{
		{"up from 98 clamps to 100", 98, true, 3, 100},
		{"up default step", 50, true, 0, 53},
		{"down from 2 clamps to 0", 2, false, 3, 0},
		{"down custom step", 50, false, 10, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newFakeDevice(t)
			fd.set(func(fd *fakeDevice) { fd.volume = tt.start })
			c := connectedClient(t, fd)

			var err error
			if tt.up {
				err = c.VolumeUp(context.Background(), tt.step)
			} else {
				err = c.VolumeDown(context.Background(), tt.step)
			}
			if err != nil {
				t.Fatalf("volume step error = %v", err)
			}

			var got int
			fd.set(func(fd *fakeDevice) { got = fd.volume })
			if got != tt.want {
				t.Errorf("device volume = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetSource(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		wantErr     error
		wantRequest bool
		wantPath    string
	}{
		{"selectable input", "radio", nil, true, "/inputs/radio"},
		{"not selectable input", "ana1", ErrNotSelectable, false, ""},
		{"unknown input sent anyway", "tidal", nil, true, "/inputs/tidal"},
		{"match by name", "internetradio", nil, true, "/inputs/internetradio"},
		{"empty id", "", ErrInvalidArgument, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newFakeDevice(t)
			c := connectedClient(t, fd)

			err := c.SetSource(context.Background(), tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetSource(%q) error = %v, want %v", tt.id, err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("SetSource(%q) error = %v", tt.id, err)
			}

			reqs := fd.recorded()
			if !tt.wantRequest {
				if len(reqs) != 0 {
					t.Errorf("requests sent = %d, want 0", len(reqs))
				}
				return
			}
			if len(reqs) != 1 {
				t.Fatalf("requests sent = %d, want 1", len(reqs))
			}
			if reqs[0].Method != http.MethodGet || reqs[0].Path != tt.wantPath || reqs[0].Query.Get("cmd") != "select" {
				t.Errorf("request = %s %s?%s, want GET %s?cmd=select",
					reqs[0].Method, reqs[0].Path, reqs[0].Query.Encode(), tt.wantPath)
			}
		})
	}
}

func TestCommandWireFormat(t *testing.T) {
	tests := []struct {
		name   string
		run    func(c *Client, ctx context.Context) error
		method string
		path   string
		key    string
		value  string
	}{
		{"power on", (*Client).PowerOn, http.MethodPut, "/power", "system", "on"},
		{"power off", (*Client).PowerOff, http.MethodPut, "/power", "system", "lona"},
		{"mute", (*Client).Mute, http.MethodPut, "/levels/room", "mute", "1"},
		{"unmute", (*Client).Unmute, http.MethodPut, "/levels/room", "mute", "0"},
		{"play", (*Client).Play, http.MethodGet, "/nowplaying", "cmd", "play"},
		{"pause", (*Client).Pause, http.MethodGet, "/nowplaying", "cmd", "pause"},
		{"stop", (*Client).Stop, http.MethodGet, "/nowplaying", "cmd", "stop"},
		{"next", (*Client).Next, http.MethodGet, "/nowplaying", "cmd", "next"},
		{"previous", (*Client).Previous, http.MethodGet, "/nowplaying", "cmd", "prev"},
		{"repeat all", func(c *Client, ctx context.Context) error {
			return c.SetRepeat(ctx, RepeatAll)
		}, http.MethodPut, "/nowplaying", "repeat", "2"},
		{"repeat one", func(c *Client, ctx context.Context) error {
			return c.SetRepeat(ctx, ParseRepeatMode("ONE"))
		}, http.MethodPut, "/nowplaying", "repeat", "1"},
		{"repeat unknown", func(c *Client, ctx context.Context) error {
			return c.SetRepeat(ctx, ParseRepeatMode("sometimes"))
		}, http.MethodPut, "/nowplaying", "repeat", "0"},
		{"shuffle on", func(c *Client, ctx context.Context) error {
			return c.SetShuffle(ctx, true)
		}, http.MethodPut, "/nowplaying", "shuffle", "1"},
		{"shuffle off", func(c *Client, ctx context.Context) error {
			return c.SetShuffle(ctx, false)
		}, http.MethodPut, "/nowplaying", "shuffle", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fd := newFakeDevice(t)
			c := connectedClient(t, fd)

			if err := tt.run(c, context.Background()); err != nil {
				t.Fatalf("command error = %v", err)
			}
			reqs := fd.recorded()
			if len(reqs) != 1 {
				t.Fatalf("requests sent = %d, want 1", len(reqs))
			}
			r := reqs[0]
			if r.Method != tt.method || r.Path != tt.path || r.Query.Get(tt.key) != tt.value {
				t.Errorf("request = %s %s?%s, want %s %s?%s=%s",
					r.Method, r.Path, r.Query.Encode(), tt.method, tt.path, tt.key, tt.value)
			}
		})
	}
}

func TestUnsupportedCommands(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	if err := c.Seek(context.Background(), 30); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Seek() error = %v, want ErrUnsupported", err)
	}
	if err := c.SetBalance(context.Background(), 10); !errors.Is(err, ErrUnsupported) {
		t.Errorf("SetBalance() error = %v, want ErrUnsupported", err)
	}
	if got := len(fd.recorded()); got != 0 {
		t.Errorf("requests sent = %d, want 0", got)
	}
}

func TestCommandBeforeConnect(t *testing.T) {
	fd := newFakeDevice(t)
	c := fd.client(t)

	if err := c.Play(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Play() error = %v, want ErrNotConnected", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Refresh() error = %v, want ErrNotConnected", err)
	}
}

func TestCommandHTTPError(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)
	fd.set(func(fd *fakeDevice) { fd.fail["/power"] = http.StatusBadRequest })

	err := c.PowerOn(context.Background())
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("PowerOn() error = %v, want ErrHTTPStatus", err)
	}
	if got := StatusCode(err); got != http.StatusBadRequest {
		t.Errorf("StatusCode() = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestToggles(t *testing.T) {
	t.Run("play pause while playing pauses", func(t *testing.T) {
		fd := newFakeDevice(t)
		c := connectedClient(t, fd)

		if err := c.PlayPause(context.Background()); err != nil {
			t.Fatalf("PlayPause() error = %v", err)
		}
		var state string
		fd.set(func(fd *fakeDevice) { state = fd.transportState })
		if state != "1" {
			t.Errorf("transportState = %q, want 1", state)
		}
	})

	t.Run("play pause while stopped plays", func(t *testing.T) {
		fd := newFakeDevice(t)
		fd.set(func(fd *fakeDevice) { fd.transportState = "0" })
		c := connectedClient(t, fd)

		if err := c.PlayPause(context.Background()); err != nil {
			t.Fatalf("PlayPause() error = %v", err)
		}
		var state string
		fd.set(func(fd *fakeDevice) { state = fd.transportState })
		if state != "2" {
			t.Errorf("transportState = %q, want 2", state)
		}
	})

	t.Run("power toggle", func(t *testing.T) {
		fd := newFakeDevice(t)
		c := connectedClient(t, fd)

		if err := c.PowerToggle(context.Background()); err != nil {
			t.Fatalf("PowerToggle() error = %v", err)
		}
		var power bool
		fd.set(func(fd *fakeDevice) { power = fd.power })
		if power {
			t.Error("power = true after toggle from on, want false")
		}
	})

	t.Run("mute toggle uses cached status", func(t *testing.T) {
		fd := newFakeDevice(t)
		c := connectedClient(t, fd)
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		fd.resetRecorded()

		if err := c.MuteToggle(context.Background()); err != nil {
			t.Fatalf("MuteToggle() error = %v", err)
		}
		reqs := fd.recorded()
		if len(reqs) != 1 || reqs[0].Query.Get("mute") != "1" {
			t.Errorf("requests = %+v, want single mute=1", reqs)
		}
	})
}

func TestRefresh(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	s := c.Status()
	if !s.Power {
		t.Error("Power = false, want true")
	}
	if s.PlayState != PlayStatePlaying {
		t.Errorf("PlayState = %v, want %v", s.PlayState, PlayStatePlaying)
	}
	if s.Volume != 50 {
		t.Errorf("Volume = %d, want 50", s.Volume)
	}
	if s.Source != "spotify" {
		t.Errorf("Source = %q, want spotify", s.Source)
	}
	if s.PositionMs != 45000 {
		t.Errorf("PositionMs = %d, want 45000", s.PositionMs)
	}
	if s.Extra["codec"] != "MP3" {
		t.Errorf("Extra[codec] = %q, want MP3", s.Extra["codec"])
	}

	reqs := fd.recorded()
	order := []string{"/power", "/nowplaying", "/levels/room"}
	if len(reqs) != len(order) {
		t.Fatalf("requests sent = %d, want %d", len(reqs), len(order))
	}
	for i, p := range order {
		if reqs[i].Path != p {
			t.Errorf("request[%d] = %s, want %s", i, reqs[i].Path, p)
		}
	}
}

func TestRefreshPowerOffSkipsPlayback(t *testing.T) {
	fd := newFakeDevice(t)
	fd.set(func(fd *fakeDevice) { fd.power = false })
	c := connectedClient(t, fd)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if c.Status().Power {
		t.Error("Power = true, want false")
	}
	reqs := fd.recorded()
	if len(reqs) != 1 || reqs[0].Path != "/power" {
		t.Errorf("requests = %+v, want only /power", reqs)
	}
}

func TestRefreshFailureKeepsStatus(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	before := c.Status()

	fd.set(func(fd *fakeDevice) {
		fd.title = "Changed"
		fd.fail["/levels/room"] = http.StatusInternalServerError
	})
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() error = nil, want failure")
	}

	if after := c.Status(); !reflect.DeepEqual(before, after) {
		t.Errorf("Status() changed after failed refresh:\nbefore %+v\nafter  %+v", before, after)
	}
	if got := c.State(); got != StateDegraded {
		t.Errorf("State() = %v, want %v", got, StateDegraded)
	}

	fd.set(func(fd *fakeDevice) { delete(fd.fail, "/levels/room") })
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := c.State(); got != StateConnected {
		t.Errorf("State() = %v, want %v", got, StateConnected)
	}
	if got := c.Status().Title; got != "Changed" {
		t.Errorf("Title = %q, want Changed", got)
	}
}

func TestDisconnectClearsStatus(t *testing.T) {
	fd := newFakeDevice(t)
	c := connectedClient(t, fd)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	c.Disconnect()
	c.Disconnect()

	if !c.Status().IsZero() {
		t.Errorf("Status() = %+v, want zero", c.Status())
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want %v", got, StateDisconnected)
	}
}

func TestListenersReceiveStatusAndConnectivity(t *testing.T) {
	fd := newFakeDevice(t)
	c := fd.client(t)

	events := make(chan Event, 16)
	id := c.AddListener(func(ev Event) { events <- ev })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	seen := map[EventType]bool{}
	timeout := time.After(time.Second)
	for !seen[EventStatus] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("events seen = %v, want status", seen)
		}
	}
	if !seen[EventConnectivity] {
		t.Error("no connectivity event before status")
	}

	c.RemoveListener(id)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("event after RemoveListener: %+v", ev)
	default:
	}
}

func TestEndToEnd(t *testing.T) {
	fd := newFakeDevice(t)
	c := fd.client(t)
	ctx := context.Background()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	s := c.Status()
	if s.PlayState != PlayStatePlaying || s.Volume != 50 || !s.Power {
		t.Fatalf("Status() = %+v, want playing/50/on", s)
	}

	if err := c.Pause(ctx); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := c.Status().PlayState; got != PlayStatePaused {
		t.Errorf("PlayState = %v, want %v", got, PlayStatePaused)
	}

	if err := c.SetVolume(ctx, 150); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetVolume(150) error = %v, want ErrInvalidArgument", err)
	}
	if got := c.Status().Volume; got != 50 {
		t.Errorf("Volume = %d, want 50", got)
	}
}
