package naim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	naimclient "github.com/nerrad567/gray-logic-naim/internal/naim"
)

// Commander is the device surface the command table drives.
// *naimclient.Client satisfies it.
type Commander interface {
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	PowerToggle(ctx context.Context) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	PlayPause(ctx context.Context) error
	Stop(ctx context.Context) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	SetVolume(ctx context.Context, volume int) error
	VolumeUp(ctx context.Context, step int) error
	VolumeDown(ctx context.Context, step int) error
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	MuteToggle(ctx context.Context) error
	SetSource(ctx context.Context, id string) error
	SetRepeat(ctx context.Context, mode naimclient.RepeatMode) error
	SetShuffle(ctx context.Context, on bool) error
	Seek(ctx context.Context, positionMs int) error
	SetBalance(ctx context.Context, balance int) error
}

// CommandHandler executes one command against a device.
type CommandHandler func(ctx context.Context, dev Commander, p CommandParams) error

// CommandParams is the weakly typed decoding of CommandMessage.Parameters.
// Numbers may arrive as JSON numbers or decimal strings.
type CommandParams struct {
	Level    *int   `mapstructure:"level"`
	Volume   *int   `mapstructure:"volume"`
	Step     int    `mapstructure:"step"`
	Source   string `mapstructure:"source"`
	Mode     string `mapstructure:"mode"`
	Enabled  *bool  `mapstructure:"enabled"`
	Position *int   `mapstructure:"position"`
	Value    *int   `mapstructure:"value"`
}

// DecodeParams decodes raw command parameters. Unknown keys are ignored.
func DecodeParams(raw map[string]any) (CommandParams, error) {
	var p CommandParams
	if len(raw) == 0 {
		return p, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(raw); err != nil {
		return p, fmt.Errorf("%w: %v", naimclient.ErrInvalidArgument, err)
	}
	return p, nil
}

// HostCommands are the command ids used by the Gray Logic host.
var HostCommands = []string{
	"on", "off", "toggle",
	"play", "pause", "play_pause", "stop", "next", "previous",
	"volume", "volume_up", "volume_down",
	"mute", "unmute", "mute_toggle",
	"select_source", "repeat", "shuffle", "seek", "balance",
}

// remoteAliases maps remote-control ids onto host commands.
var remoteAliases = map[string]string{
	"POWER_ON":     "on",
	"POWER_OFF":    "off",
	"POWER_TOGGLE": "toggle",
	"VOLUME_UP":    "volume_up",
	"VOLUME_DOWN":  "volume_down",
	"MUTE_TOGGLE":  "mute_toggle",
	"MUTE":         "mute",
	"UNMUTE":       "unmute",
	"PLAY":         "play",
	"PAUSE":        "pause",
	"PLAY_PAUSE":   "play_pause",
	"STOP":         "stop",
	"NEXT":         "next",
	"PREVIOUS":     "previous",
}

// balanceRemotes are the remote balance ids and the balance they request.
var balanceRemotes = map[string]int{
	"BALANCE_LEFT":   -1,
	"BALANCE_RIGHT":  1,
	"BALANCE_CENTER": 0,
}

const sourceRemotePrefix = "SOURCE_"

// RemoteCommands returns every remote-control id, including SOURCE_<ID>
// for each input with a default display name.
func RemoteCommands() []string {
	ids := make([]string, 0, len(remoteAliases)+len(balanceRemotes)+16)
	for id := range remoteAliases {
		ids = append(ids, id)
	}
	for id := range balanceRemotes {
		ids = append(ids, id)
	}
	for _, input := range naimclient.KnownInputIDs() {
		ids = append(ids, sourceRemotePrefix+strings.ToUpper(input))
	}
	sort.Strings(ids)
	return ids
}

// SupportedCommands returns host and remote command ids.
func SupportedCommands() []string {
	return append(append([]string(nil), HostCommands...), RemoteCommands()...)
}

// CommandTable maps command ids to handlers.
type CommandTable map[string]CommandHandler

// DefaultCommandTable builds the handler for every supported command.
func DefaultCommandTable() CommandTable {
	t := CommandTable{
		"on":          simple(Commander.PowerOn),
		"off":         simple(Commander.PowerOff),
		"toggle":      simple(Commander.PowerToggle),
		"play":        simple(Commander.Play),
		"pause":       simple(Commander.Pause),
		"play_pause":  simple(Commander.PlayPause),
		"stop":        simple(Commander.Stop),
		"next":        simple(Commander.Next),
		"previous":    simple(Commander.Previous),
		"mute":        simple(Commander.Mute),
		"unmute":      simple(Commander.Unmute),
		"mute_toggle": simple(Commander.MuteToggle),

		"volume": func(ctx context.Context, dev Commander, p CommandParams) error {
			level := p.Level
			if level == nil {
				level = p.Volume
			}
			if level == nil {
				return fmt.Errorf("%w: volume requires level", naimclient.ErrInvalidArgument)
			}
			return dev.SetVolume(ctx, *level)
		},
		"volume_up": func(ctx context.Context, dev Commander, p CommandParams) error {
			return dev.VolumeUp(ctx, p.Step)
		},
		"volume_down": func(ctx context.Context, dev Commander, p CommandParams) error {
			return dev.VolumeDown(ctx, p.Step)
		},
		"select_source": func(ctx context.Context, dev Commander, p CommandParams) error {
			if p.Source == "" {
				return fmt.Errorf("%w: select_source requires source", naimclient.ErrInvalidArgument)
			}
			return dev.SetSource(ctx, p.Source)
		},
		"repeat": func(ctx context.Context, dev Commander, p CommandParams) error {
			// Unrecognised modes fall back to off.
			return dev.SetRepeat(ctx, naimclient.ParseRepeatMode(p.Mode))
		},
		"shuffle": func(ctx context.Context, dev Commander, p CommandParams) error {
			if p.Enabled == nil {
				return fmt.Errorf("%w: shuffle requires enabled", naimclient.ErrInvalidArgument)
			}
			return dev.SetShuffle(ctx, *p.Enabled)
		},
		"seek": func(ctx context.Context, dev Commander, p CommandParams) error {
			// Seeking has no wire equivalent; the client reports it as
			// unsupported whatever the position.
			pos := 0
			if p.Position != nil {
				pos = *p.Position
			}
			return dev.Seek(ctx, pos)
		},
		"balance": func(ctx context.Context, dev Commander, p CommandParams) error {
			if p.Value == nil {
				return fmt.Errorf("%w: balance requires value", naimclient.ErrInvalidArgument)
			}
			return dev.SetBalance(ctx, *p.Value)
		},
	}

	for remote, host := range remoteAliases {
		t[remote] = t[host]
	}
	for remote, balance := range balanceRemotes {
		t[remote] = func(ctx context.Context, dev Commander, _ CommandParams) error {
			return dev.SetBalance(ctx, balance)
		}
	}
	for _, input := range naimclient.KnownInputIDs() {
		t[sourceRemotePrefix+strings.ToUpper(input)] = func(ctx context.Context, dev Commander, _ CommandParams) error {
			return dev.SetSource(ctx, input)
		}
	}
	return t
}

func simple(fn func(Commander, context.Context) error) CommandHandler {
	return func(ctx context.Context, dev Commander, _ CommandParams) error {
		return fn(dev, ctx)
	}
}

// Lookup returns the handler for a command id. Remote ids are matched
// case-insensitively.
func (t CommandTable) Lookup(command string) (CommandHandler, bool) {
	if h, ok := t[command]; ok {
		return h, true
	}
	h, ok := t[strings.ToUpper(command)]
	return h, ok
}

// Validate checks that the table has exactly one handler per supported
// command.
func (t CommandTable) Validate() error {
	supported := SupportedCommands()
	want := make(map[string]bool, len(supported))
	var problems []string
	for _, id := range supported {
		want[id] = true
		if t[id] == nil {
			problems = append(problems, "missing "+id)
		}
	}
	for id := range t {
		if !want[id] {
			problems = append(problems, "unexpected "+id)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrCommandTable, strings.Join(problems, "; "))
	}
	return nil
}
