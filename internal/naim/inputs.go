package naim

import (
	"strconv"
	"strings"
)

// inputPrefix is the ussi prefix of every entry under /inputs.
const inputPrefix = "inputs/"

// DefaultSources is the source list used when the device reports no
// usable inputs.
var DefaultSources = []string{"radio", "bluetooth", "spotify", "dig5", "hdmi"}

// defaultDisplayNames maps well-known input ids to display names.
var defaultDisplayNames = map[string]string{
	"hdmi":      "HDMI",
	"bluetooth": "Bluetooth",
	"radio":     "Internet Radio",
	"spotify":   "Spotify",
	"tidal":     "TIDAL",
	"qobuz":     "Qobuz",
	"usb":       "USB",
	"airplay":   "AirPlay",
	"gcast":     "Chromecast",
	"upnp":      "UPnP/Servers",
	"playqueue": "Play Queue",
	"files":     "Local Files",
	"multiroom": "Multi-room",
}

func init() {
	for i := 1; i <= 4; i++ {
		defaultDisplayNames["ana"+strconv.Itoa(i)] = "Analogue " + strconv.Itoa(i)
	}
	for i := 1; i <= 5; i++ {
		defaultDisplayNames["dig"+strconv.Itoa(i)] = "Digital " + strconv.Itoa(i)
	}
}

// Input describes one entry of the device input list.
type Input struct {
	ID          string `json:"id"`
	USSI        string `json:"ussi"`
	DisplayName string `json:"display_name"`
	Selectable  bool   `json:"selectable"`
	Disabled    bool   `json:"disabled"`
}

// Usable reports whether the input can appear in the source list.
func (in Input) Usable() bool {
	return in.Selectable && !in.Disabled
}

// matches reports whether in is the input addressed by id: an exact ussi,
// a ussi ending in "/id", or a name equal to id once lower-cased and
// stripped of spaces.
func (in Input) matches(id string) bool {
	if in.USSI == inputPrefix+id || strings.HasSuffix(in.USSI, "/"+id) {
		return true
	}
	return strings.ReplaceAll(strings.ToLower(in.DisplayName), " ", "") == strings.ToLower(id)
}

// DisplayName returns the default display name for an input id. Unknown
// ids are returned upper-cased.
func DisplayName(id string) string {
	if name, ok := defaultDisplayNames[strings.ToLower(id)]; ok {
		return name
	}
	return strings.ToUpper(id)
}

// KnownInputIDs returns every id with a default display name.
func KnownInputIDs() []string {
	ids := make([]string, 0, len(defaultDisplayNames))
	for id := range defaultDisplayNames {
		ids = append(ids, id)
	}
	return ids
}

// parseInputs decodes the children array of a /inputs response.
// Entries without a ussi are skipped.
func parseInputs(raw map[string]any) []Input {
	children, ok := raw["children"].([]any)
	if !ok {
		return nil
	}

	inputs := make([]Input, 0, len(children))
	for _, c := range children {
		item, ok := c.(map[string]any)
		if !ok {
			continue
		}
		ussi := stringField(item, "ussi")
		if ussi == "" {
			continue
		}
		id := SourceID(ussi)
		name := stringField(item, "name")
		if name == "" {
			name = DisplayName(id)
		}
		inputs = append(inputs, Input{
			ID:          id,
			USSI:        ussi,
			DisplayName: name,
			Selectable:  stringField(item, "selectable") == "1",
			Disabled:    stringField(item, "disabled") == "1",
		})
	}
	return inputs
}

// defaultInputs builds the fallback input list from DefaultSources.
func defaultInputs() []Input {
	inputs := make([]Input, 0, len(DefaultSources))
	for _, id := range DefaultSources {
		inputs = append(inputs, Input{
			ID:          id,
			USSI:        inputPrefix + id,
			DisplayName: DisplayName(id),
			Selectable:  true,
		})
	}
	return inputs
}
