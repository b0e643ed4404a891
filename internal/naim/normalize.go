package naim

import (
	"math"
	"strconv"
	"strings"
)

// Balance limits reported by /levels/room.
const (
	minBalance = -50
	maxBalance = 50
)

// extraFields are nowplaying keys copied verbatim into Status.Extra.
var extraFields = []string{"codec", "bitDepth", "bitRate", "sampleRate", "canResume", "mimeType"}

// Normalize maps a raw /nowplaying response into the playback fields of a
// Status. Power, volume, mute and balance are not part of the nowplaying
// document and are left at their zero values; see NormalizeLevels and
// NormalizePower.
//
// Every field is parsed defensively: a missing or unparseable value yields
// the zero value rather than an error.
func Normalize(raw map[string]any) Status {
	s := Status{
		PlayState:  parsePlayState(stringField(raw, "transportState")),
		Source:     SourceID(stringField(raw, "source")),
		Title:      stringField(raw, "title"),
		Artist:     stringField(raw, "artist"),
		Album:      stringField(raw, "album"),
		Station:    stringField(raw, "station"),
		Genre:      stringField(raw, "genre"),
		ArtworkURL: stringField(raw, "artwork"),
		PositionMs: nonNegative(intField(raw, "transportPosition")),
		DurationMs: nonNegative(intField(raw, "duration")),
		Repeat:     parseRepeatWire(stringField(raw, "repeat")),
		Shuffle:    boolField(raw, "shuffle"),
		Live:       boolField(raw, "live"),
	}

	extra := make(map[string]string)
	for _, k := range extraFields {
		if v := stringField(raw, k); v != "" {
			extra[k] = v
		}
	}
	if ussi := stringField(raw, "source"); ussi != "" {
		extra["ussi"] = ussi
	}
	if len(extra) > 0 {
		s.Extra = extra
	}

	return s
}

// NormalizeLevels decodes a /levels/room response. Volume is clamped to
// 0..100 and balance to -50..50.
func NormalizeLevels(raw map[string]any) Levels {
	return Levels{
		Volume:  clamp(intField(raw, "volume"), MinVolume, MaxVolume),
		Muted:   boolField(raw, "mute"),
		Balance: clamp(intField(raw, "balance"), minBalance, maxBalance),
	}
}

// NormalizePower decodes a /power response. The device is on when either
// "state" or "system" equals "on" (case-insensitive). ok is false when
// neither key is present.
func NormalizePower(raw map[string]any) (on bool, ok bool) {
	for _, k := range []string{"state", "system"} {
		v, present := raw[k]
		if !present {
			continue
		}
		ok = true
		if strings.EqualFold(toString(v), "on") {
			return true, true
		}
	}
	return false, ok
}

// NormalizeSystem decodes the identity fields of a /system response.
func NormalizeSystem(raw map[string]any) SystemInfo {
	serial := stringField(raw, "hardwareSerial")
	if serial == "" {
		serial = stringField(raw, "serial")
	}
	version := stringField(raw, "appVer")
	if version == "" {
		version = stringField(raw, "version")
	}
	return SystemInfo{
		Model:    stringField(raw, "model"),
		Hostname: stringField(raw, "hostname"),
		Serial:   serial,
		Version:  version,
	}
}

// SourceID strips the "inputs/" style prefix from a source ussi.
// Values without a slash are returned unchanged.
func SourceID(ussi string) string {
	if i := strings.LastIndex(ussi, "/"); i >= 0 {
		return ussi[i+1:]
	}
	return ussi
}

// parsePlayState maps a transportState code or a state name.
func parsePlayState(v string) PlayState {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "stopped", "stop":
		return PlayStateStopped
	case "1", "paused", "pause":
		return PlayStatePaused
	case "2", "playing", "play":
		return PlayStatePlaying
	case "3", "buffering":
		return PlayStateBuffering
	default:
		return PlayStateUnknown
	}
}

// parseRepeatWire maps the wire repeat value. Anything other than "1" or
// "2" is off.
func parseRepeatWire(v string) RepeatMode {
	switch strings.TrimSpace(v) {
	case "1":
		return RepeatOne
	case "2":
		return RepeatAll
	default:
		return RepeatOff
	}
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	return toString(v)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func intField(raw map[string]any, key string) int {
	return parseInt(stringField(raw, key))
}

// parseInt accepts "50", "50.0" and " 50 ". Unparseable input yields 0.
func parseInt(s string) int {
	n, _ := parseIntOK(s)
	return n
}

// parseIntOK is parseInt that also reports whether s held a number.
func parseIntOK(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(f)), true
}

func boolField(raw map[string]any, key string) bool {
	return parseBool(stringField(raw, key))
}

// parseBool treats "1", "true" and "on" as true.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	default:
		return false
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
