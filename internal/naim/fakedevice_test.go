package naim

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// recordedRequest is one request seen by fakeDevice.
type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// fakeDevice serves the Naim HTTP contract from in-memory state.
type fakeDevice struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	prefix         string
	rootBody       string
	rootType       string
	power          bool
	transportState string
	volume         int
	muted          bool
	balance        int
	source         string
	repeat         string
	shuffle        string
	title          string
	inputs         []map[string]any
	fail           map[string]int
	requests       []recordedRequest
	wsDials        int
	wsEvents       chan []byte
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	fd := &fakeDevice{
		rootBody:       `{"name":"root"}`,
		rootType:       "application/json",
		power:          true,
		transportState: "2",
		volume:         50,
		source:         "spotify",
		repeat:         "0",
		shuffle:        "0",
		title:          "Bohemian Rhapsody",
		inputs: []map[string]any{
			{"ussi": "inputs/spotify", "name": "Spotify", "selectable": "1", "disabled": "0"},
			{"ussi": "inputs/radio", "name": "Internet Radio", "selectable": "1", "disabled": "0"},
			{"ussi": "inputs/ana1", "name": "Analogue 1", "selectable": "0", "disabled": "0"},
			{"ussi": "inputs/dig2", "name": "Digital 2", "selectable": "1", "disabled": "1"},
		},
		fail:     make(map[string]int),
		wsEvents: make(chan []byte, 16),
	}
	fd.srv = httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(fd.srv.Close)
	t.Cleanup(func() { close(fd.wsEvents) })
	return fd
}

func (fd *fakeDevice) hostPort() (string, int) {
	host, port, _ := net.SplitHostPort(fd.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func (fd *fakeDevice) client(t *testing.T) *Client {
	t.Helper()
	host, port := fd.hostPort()
	return NewClient(ClientOptions{DeviceID: "atom", Host: host, Port: port})
}

func (fd *fakeDevice) set(fn func(fd *fakeDevice)) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fn(fd)
}

func (fd *fakeDevice) recorded() []recordedRequest {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	out := make([]recordedRequest, len(fd.requests))
	copy(out, fd.requests)
	return out
}

func (fd *fakeDevice) resetRecorded() {
	fd.mu.Lock()
	fd.requests = nil
	fd.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fd *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	path := r.URL.Path
	if path != "/" {
		if fd.prefix != "" {
			if !strings.HasPrefix(path, fd.prefix+"/") {
				http.NotFound(w, r)
				return
			}
			path = strings.TrimPrefix(path, fd.prefix)
		}
	}

	if path == "/websocket" || path == "/ws" {
		fd.wsDials++
		events := fd.wsEvents
		fd.mu.Unlock()
		fd.serveWebSocket(w, r, events)
		fd.mu.Lock()
		return
	}

	fd.requests = append(fd.requests, recordedRequest{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
	})

	if code, ok := fd.fail[path]; ok {
		w.WriteHeader(code)
		return
	}

	q := r.URL.Query()
	switch {
	case path == "/":
		w.Header().Set("Content-Type", fd.rootType)
		_, _ = w.Write([]byte(fd.rootBody))

	case path == "/system":
		writeJSON(w, http.StatusOK, map[string]any{
			"model": "32", "hostname": "Atom-Simulator", "hardwareSerial": "ATOM123456", "appVer": "3.10.1",
		})

	case path == "/power":
		if r.Method == http.MethodPut {
			switch q.Get("system") {
			case "on":
				fd.power = true
			case "lona":
				fd.power = false
			}
		}
		state := "standby"
		if fd.power {
			state = "on"
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "system": state})

	case path == "/nowplaying":
		if r.Method == http.MethodPut {
			if v := q.Get("repeat"); v != "" {
				fd.repeat = v
			}
			if v := q.Get("shuffle"); v != "" {
				fd.shuffle = v
			}
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		switch q.Get("cmd") {
		case "play":
			fd.transportState = "2"
		case "pause":
			fd.transportState = "1"
		case "stop":
			fd.transportState = "0"
		}
		if q.Get("cmd") != "" {
			writeJSON(w, http.StatusOK, map[string]any{})
			return
		}
		if !fd.power {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Device is off"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"transportState":    fd.transportState,
			"transportPosition": "45000",
			"source":            "inputs/" + fd.source,
			"title":             fd.title,
			"artist":            "Queen",
			"album":             "A Night at the Opera",
			"artwork":           "https://example.com/artwork.jpg",
			"live":              "0",
			"repeat":            fd.repeat,
			"shuffle":           fd.shuffle,
			"codec":             "MP3",
			"sampleRate":        "44100",
		})

	case path == "/levels/room":
		if r.Method == http.MethodPut {
			if v := q.Get("volume"); v != "" {
				fd.volume, _ = strconv.Atoi(v)
			}
			switch q.Get("mute") {
			case "1":
				fd.muted = true
			case "0":
				fd.muted = false
			}
		}
		mute := "0"
		if fd.muted {
			mute = "1"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"volume":  strconv.Itoa(fd.volume),
			"mute":    mute,
			"balance": strconv.Itoa(fd.balance),
		})

	case path == "/inputs":
		children := make([]any, 0, len(fd.inputs))
		for _, in := range fd.inputs {
			children = append(children, in)
		}
		writeJSON(w, http.StatusOK, map[string]any{"children": children})

	case strings.HasPrefix(path, "/inputs/"):
		if q.Get("cmd") == "select" {
			fd.source = strings.TrimPrefix(path, "/inputs/")
		}
		writeJSON(w, http.StatusOK, map[string]any{})

	case path == "/network":
		writeJSON(w, http.StatusOK, map[string]any{"hostname": "Atom-Simulator", "macAddress": "AA:BB:CC:DD:EE:FF"})

	default:
		http.NotFound(w, r)
	}
}

func (fd *fakeDevice) serveWebSocket(w http.ResponseWriter, r *http.Request, events chan []byte) {
	conn, err := fd.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range events {
		if msg == nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// hasRequest reports whether a request with method and path was seen.
func hasRequest(reqs []recordedRequest, method, path string) bool {
	for _, r := range reqs {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}
