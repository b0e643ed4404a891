// Package naimtest provides an in-memory Naim device served over
// httptest for packages that drive the device client.
package naimtest

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// State is the device state the fake serves.
type State struct {
	Power          bool
	TransportState string
	Volume         int
	Muted          bool
	Source         string
	Title          string
	Repeat         string
	Shuffle        string
	Inputs         []map[string]any
}

// Request is one request seen by the fake.
type Request struct {
	Method string
	Path   string
	Query  string
}

// Device serves the Naim HTTP contract from State.
type Device struct {
	srv *httptest.Server

	mu       sync.Mutex
	state    State
	fail     map[string]int
	requests []Request
}

// NewDevice starts a fake device that is on, playing at volume 50 from
// Spotify. It is closed when the test ends.
func NewDevice(t testing.TB) *Device {
	t.Helper()
	d := &Device{
		state: State{
			Power:          true,
			TransportState: "2",
			Volume:         50,
			Source:         "spotify",
			Title:          "Bohemian Rhapsody",
			Repeat:         "0",
			Shuffle:        "0",
			Inputs: []map[string]any{
				{"ussi": "inputs/spotify", "name": "Spotify", "selectable": "1"},
				{"ussi": "inputs/radio", "name": "Internet Radio", "selectable": "1"},
				{"ussi": "inputs/ana1", "name": "Analogue 1", "selectable": "0"},
			},
		},
		fail: make(map[string]int),
	}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.srv.Close)
	return d
}

// HostPort returns the address the device listens on.
func (d *Device) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(d.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

// Close stops the device; later requests fail as unreachable.
func (d *Device) Close() {
	d.srv.Close()
}

// Set mutates the served state.
func (d *Device) Set(fn func(s *State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.state)
}

// State returns a copy of the served state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Fail makes path answer with code. A zero code clears the failure.
func (d *Device) Fail(path string, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == 0 {
		delete(d.fail, path)
		return
	}
	d.fail[path] = code
}

// Requests returns every request seen so far.
func (d *Device) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Request(nil), d.requests...)
}

// Count returns how many requests matched method and path.
func (d *Device) Count(method, path string) int {
	n := 0
	for _, r := range d.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (d *Device) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := r.URL.Path
	q := r.URL.Query()
	d.requests = append(d.requests, Request{Method: r.Method, Path: path, Query: r.URL.RawQuery})

	if code, ok := d.fail[path]; ok {
		w.WriteHeader(code)
		return
	}

	s := &d.state
	switch {
	case path == "/":
		writeJSON(w, http.StatusOK, map[string]any{"name": "root"})

	case path == "/system":
		writeJSON(w, http.StatusOK, map[string]any{
			"model": "Uniti Atom", "hostname": "atom-test", "hardwareSerial": "ATOM1", "appVer": "4.7.0",
		})

	case path == "/power":
		if r.Method == http.MethodPut {
			s.Power = q.Get("system") == "on"
		}
		state := "standby"
		if s.Power {
			state = "on"
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "system": state})

	case path == "/nowplaying":
		if r.Method == http.MethodPut {
			if v := q.Get("repeat"); v != "" {
				s.Repeat = v
			}
			if v := q.Get("shuffle"); v != "" {
				s.Shuffle = v
			}
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		if cmd := q.Get("cmd"); cmd != "" {
			switch cmd {
			case "play":
				s.TransportState = "2"
			case "pause":
				s.TransportState = "1"
			case "stop":
				s.TransportState = "0"
			}
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transportState":    s.TransportState,
			"transportPosition": "45000",
			"duration":          "180000",
			"source":            "inputs/" + s.Source,
			"title":             s.Title,
			"artist":            "Queen",
			"album":             "A Night at the Opera",
			"artwork":           "https://example.com/art.jpg",
			"repeat":            s.Repeat,
			"shuffle":           s.Shuffle,
		})

	case path == "/levels/room":
		if r.Method == http.MethodPut {
			if v := q.Get("volume"); v != "" {
				s.Volume, _ = strconv.Atoi(v)
			}
			if v := q.Get("mute"); v != "" {
				s.Muted = v == "1"
			}
		}
		mute := "0"
		if s.Muted {
			mute = "1"
		}
		writeJSON(w, http.StatusOK, map[string]any{"volume": strconv.Itoa(s.Volume), "mute": mute, "balance": "0"})

	case path == "/inputs":
		children := make([]any, 0, len(s.Inputs))
		for _, in := range s.Inputs {
			children = append(children, in)
		}
		writeJSON(w, http.StatusOK, map[string]any{"children": children})

	case strings.HasPrefix(path, "/inputs/"):
		if q.Get("cmd") == "select" {
			s.Source = strings.TrimPrefix(path, "/inputs/")
		}
		writeJSON(w, http.StatusOK, map[string]any{})

	case path == "/network":
		writeJSON(w, http.StatusOK, map[string]any{"hostname": "atom-test", "macAddress": "AA:BB:CC:DD:EE:FF"})

	default:
		http.NotFound(w, r)
	}
}
