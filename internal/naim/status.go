package naim

import (
	"strings"
	"time"
)

// PlayState is the canonical transport state.
type PlayState string

// Canonical play states. PlayStateUnknown is the sentinel for any
// transportState value the device has not been seen to send.
const (
	PlayStateStopped   PlayState = "stopped"
	PlayStatePaused    PlayState = "paused"
	PlayStatePlaying   PlayState = "playing"
	PlayStateBuffering PlayState = "buffering"
	PlayStateUnknown   PlayState = "unknown"
)

// RepeatMode is the canonical repeat setting.
type RepeatMode string

// Repeat modes, wire values "0", "1" and "2" respectively.
const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// ParseRepeatMode maps a case-insensitive name to a RepeatMode.
// Unrecognised names map to RepeatOff.
func ParseRepeatMode(s string) RepeatMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one":
		return RepeatOne
	case "all":
		return RepeatAll
	default:
		return RepeatOff
	}
}

// wireValue returns the repeat parameter sent to /nowplaying.
func (m RepeatMode) wireValue() string {
	switch m {
	case RepeatOne:
		return "1"
	case RepeatAll:
		return "2"
	default:
		return "0"
	}
}

// ConnectivityState is the client's view of the device link.
type ConnectivityState string

// Connectivity states.
const (
	StateDisconnected ConnectivityState = "disconnected"
	StateConnecting   ConnectivityState = "connecting"
	StateConnected    ConnectivityState = "connected"
	StateDegraded     ConnectivityState = "degraded"
	StateError        ConnectivityState = "error"
)

// Available reports whether the host should treat the device as usable.
func (s ConnectivityState) Available() bool {
	return s == StateConnected || s == StateDegraded
}

// Status is the canonical device status record.
//
// Position and duration are in milliseconds. Volume is 0..100, balance
// is -50..50.
type Status struct {
	Power      bool       `json:"power"`
	PlayState  PlayState  `json:"play_state"`
	Volume     int        `json:"volume"`
	Muted      bool       `json:"muted"`
	Balance    int        `json:"balance"`
	Source     string     `json:"source"`
	Title      string     `json:"title,omitempty"`
	Artist     string     `json:"artist,omitempty"`
	Album      string     `json:"album,omitempty"`
	Station    string     `json:"station,omitempty"`
	Genre      string     `json:"genre,omitempty"`
	ArtworkURL string     `json:"artwork_url,omitempty"`
	PositionMs int        `json:"position_ms"`
	DurationMs int        `json:"duration_ms"`
	Repeat     RepeatMode `json:"repeat"`
	Shuffle    bool       `json:"shuffle"`
	Live       bool       `json:"live"`

	// Extra holds stream details that have no canonical field
	// (codec, bitDepth, sampleRate, bitRate, canResume, ussi).
	Extra map[string]string `json:"extra,omitempty"`

	// UpdatedAt is when the record was last committed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s Status) Clone() Status {
	out := s
	if s.Extra != nil {
		out.Extra = make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// IsZero reports whether s has never been populated.
func (s Status) IsZero() bool {
	return s.UpdatedAt.IsZero() && s.PlayState == ""
}

// Levels is the decoded /levels/room response.
type Levels struct {
	Volume  int  `json:"volume"`
	Muted   bool `json:"muted"`
	Balance int  `json:"balance"`
}

// SystemInfo is the identity reported by /system.
type SystemInfo struct {
	Model    string `json:"model"`
	Hostname string `json:"hostname"`
	Serial   string `json:"serial,omitempty"`
	Version  string `json:"version,omitempty"`
}
