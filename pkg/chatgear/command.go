package chatgear

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/palr/pkg/jsontime"

	"github.com/kaptinlin/jsonrepair"
)

// Ensure all command types implement Command.
var (
	_ Command = (*Streaming)(nil)
	_ Command = (*Reset)(nil)
	_ Command = (*SetVolume)(nil)
	_ Command = (*SetBrightness)(nil)
	_ Command = (*SetLightMode)(nil)
	_ Command = (*SetWifi)(nil)
	_ Command = (*DeleteWifi)(nil)
	_ Command = (*OTA)(nil)
	_ Command = (*Raise)(nil)
	_ Command = (*Halt)(nil)
	_ Command = (*Interrupt)(nil)
)

// Command is the interface for device commands.
type Command interface {
	isCommand()
	commandType() string
}

// CommandEvent wraps a command with metadata.
type CommandEvent struct {
	Type    string         `json:"type"`
	Time    jsontime.Milli `json:"time"`
	Payload Command        `json:"pld"`
	IssueAt jsontime.Milli `json:"issue_at"`
}

// NewCommandEvent creates a new command event.
func NewCommandEvent(cmd Command, issueAt time.Time) *CommandEvent {
	return &CommandEvent{
		Type:    cmd.commandType(),
		Time:    jsontime.NowEpochMilli(),
		Payload: cmd,
		IssueAt: jsontime.Milli(issueAt),
	}
}

// SessionCommand and SessionCommandEvent are the vocabulary used by the
// connection-plane interfaces (UplinkTx, DownlinkRx, and friends) for a
// command sent down to a device over an active session.
type SessionCommand = Command
type SessionCommandEvent = CommandEvent

// NewSessionCommandEvent creates a new session command event.
func NewSessionCommandEvent(cmd SessionCommand, issueAt time.Time) *SessionCommandEvent {
	return NewCommandEvent(cmd, issueAt)
}

// unmarshalCommandEvent unmarshals a command event, attempting to repair the
// payload with jsonrepair when a device's JSON encoder has produced a
// malformed document.
func unmarshalCommandEvent(data []byte, evt *CommandEvent) error {
	err := json.Unmarshal(data, evt)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return err
		}
		return json.Unmarshal([]byte(fixed), evt)
	}
	return err
}

// ErrUnknownCommandType is returned by unmarshalCommand for an unrecognized
// command type tag. CommandEvent.UnmarshalJSON does not return this error;
// it drops the command instead (Payload is left nil) so that one unknown
// command from a newer device firmware doesn't fail decoding of the rest of
// a session's command stream.
var ErrUnknownCommandType = errors.New("chatgear: unknown command type")

// UnmarshalJSON implements json.Unmarshaler.
func (e *CommandEvent) UnmarshalJSON(b []byte) error {
	var v struct {
		Type    string          `json:"type"`
		Time    jsontime.Milli  `json:"time"`
		Payload json.RawMessage `json:"pld"`
		IssueAt jsontime.Milli  `json:"issue_at"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	cmd, err := unmarshalCommand(v.Type, v.Payload)
	if err != nil {
		if errors.Is(err, ErrUnknownCommandType) {
			*e = CommandEvent{Type: v.Type, Time: v.Time, IssueAt: v.IssueAt}
			return nil
		}
		return err
	}

	*e = CommandEvent{
		Type:    v.Type,
		Time:    v.Time,
		Payload: cmd,
		IssueAt: v.IssueAt,
	}
	return nil
}

// unmarshalCommand decodes a command payload given its type tag.
func unmarshalCommand(typ string, payload json.RawMessage) (Command, error) {
	var cmd Command
	switch typ {
	case "streaming":
		cmd = new(Streaming)
	case "reset":
		cmd = new(Reset)
	case "set_volume":
		cmd = new(SetVolume)
	case "set_brightness":
		cmd = new(SetBrightness)
	case "set_light_mode":
		cmd = new(SetLightMode)
	case "set_wifi":
		cmd = new(SetWifi)
	case "delete_wifi":
		cmd = new(DeleteWifi)
	case "ota":
		cmd = new(OTA)
	case "raise":
		cmd = new(Raise)
	case "halt":
		cmd = new(Halt)
	case "interrupt":
		cmd = new(Interrupt)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommandType, typ)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Streaming is a command to start/stop audio streaming.
type Streaming bool

// NewStreaming creates a new Streaming command.
func NewStreaming(enabled bool) *Streaming {
	s := Streaming(enabled)
	return &s
}

func (*Streaming) isCommand()          {}
func (*Streaming) commandType() string { return "streaming" }

func (s Streaming) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(s))
}

func (s *Streaming) UnmarshalJSON(b []byte) error {
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = Streaming(v)
	return nil
}

// Reset is a command to reset the device.
type Reset struct {
	Unpair bool `json:"unpair,omitempty"`
}

func (*Reset) isCommand()          {}
func (*Reset) commandType() string { return "reset" }

func (r Reset) MarshalJSON() ([]byte, error) {
	if r == (Reset{}) {
		return json.Marshal(nil)
	}
	v := struct {
		Unpair bool `json:"unpair"`
	}{
		Unpair: r.Unpair,
	}
	return json.Marshal(v)
}

func (r *Reset) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*r = Reset{}
		return nil
	}
	var v struct {
		Unpair bool `json:"unpair"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = Reset{Unpair: v.Unpair}
	return nil
}

// Raise is a command to raise a named event on the device (e.g. "call").
type Raise struct {
	Event string `json:"event"`
}

func (*Raise) isCommand()          {}
func (*Raise) commandType() string { return "raise" }

// Halt is a command to stop the device in a given mode ("sleep" or
// "shutdown"). To stop the current spoken response without halting the
// device itself, use Interrupt instead.
type Halt struct {
	Mode string `json:"mode"`
}

func (*Halt) isCommand()          {}
func (*Halt) commandType() string { return "halt" }

// Interrupt is a command to stop the device's current audio output
// immediately, without affecting its power state.
type Interrupt struct{}

func (*Interrupt) isCommand()          {}
func (*Interrupt) commandType() string { return "interrupt" }

func (Interrupt) MarshalJSON() ([]byte, error) {
	return json.Marshal(nil)
}

func (*Interrupt) UnmarshalJSON([]byte) error {
	return nil
}

// SetVolume is a command to set audio volume.
type SetVolume int

// NewSetVolume creates a new SetVolume command.
func NewSetVolume(volume int) *SetVolume {
	v := SetVolume(volume)
	return &v
}

func (*SetVolume) isCommand()          {}
func (*SetVolume) commandType() string { return "set_volume" }

func (s SetVolume) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

func (s *SetVolume) UnmarshalJSON(b []byte) error {
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = SetVolume(v)
	return nil
}

// SetBrightness is a command to set display brightness.
type SetBrightness int

// NewSetBrightness creates a new SetBrightness command.
func NewSetBrightness(brightness int) *SetBrightness {
	b := SetBrightness(brightness)
	return &b
}

func (*SetBrightness) isCommand()          {}
func (*SetBrightness) commandType() string { return "set_brightness" }

func (s SetBrightness) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

func (s *SetBrightness) UnmarshalJSON(b []byte) error {
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = SetBrightness(v)
	return nil
}

// SetLightMode is a command to set light mode.
type SetLightMode string

// NewSetLightMode creates a new SetLightMode command.
func NewSetLightMode(mode string) *SetLightMode {
	m := SetLightMode(mode)
	return &m
}

func (*SetLightMode) isCommand()          {}
func (*SetLightMode) commandType() string { return "set_light_mode" }

func (s SetLightMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

func (s *SetLightMode) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*s = SetLightMode(v)
	return nil
}

// SetWifi is a command to configure WiFi.
type SetWifi struct {
	SSID     string `json:"ssid"`
	Security string `json:"security"`
	Password string `json:"password"`
}

func (SetWifi) isCommand()          {}
func (SetWifi) commandType() string { return "set_wifi" }

// DeleteWifi is a command to delete a stored WiFi network.
type DeleteWifi struct {
	SSID string `json:"ssid"`
}

func (*DeleteWifi) isCommand()          {}
func (*DeleteWifi) commandType() string { return "delete_wifi" }

// OTA is a command to initiate firmware upgrade.
type OTA struct {
	Version     string         `json:"version,omitzero"`
	ImageURL    string         `json:"image_url,omitzero"`
	ImageMD5    string         `json:"image_md5,omitzero"`
	DataFileURL string         `json:"data_file_url,omitzero"`
	DataFileMD5 string         `json:"data_file_md5,omitzero"`
	Components  []ComponentOTA `json:"components,omitzero"`
}

// ComponentOTA contains OTA info for a component.
type ComponentOTA struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitzero"`
	ImageURL    string `json:"image_url,omitzero"`
	ImageMD5    string `json:"image_md5,omitzero"`
	DataFileURL string `json:"data_file_url,omitzero"`
	DataFileMD5 string `json:"data_file_md5,omitzero"`
}

func (*OTA) isCommand()          {}
func (*OTA) commandType() string { return "ota" }
