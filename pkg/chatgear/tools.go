package chatgear

import (
	"context"

	"github.com/haivivi/palr/pkg/genx"
)

// DeviceTools builds the genx.FuncTool set that lets a tool-calling
// generator drive this ServerPort's device directly — a realtime
// assistant can emit a ToolCall for "set_volume" or "set_light_mode" and
// have it take effect on the gear without any gear-specific glue in the
// generator itself.
func DeviceTools(port *ServerPort) []*genx.FuncTool {
	return []*genx.FuncTool{
		genx.MustNewFuncTool[setVolumeArgs]("set_volume",
			"Set the device's playback volume.",
			genx.InvokeFunc[setVolumeArgs](func(_ context.Context, _ *genx.FuncCall, arg setVolumeArgs) (any, error) {
				return nil, port.SetVolume(arg.Volume)
			}),
		),
		genx.MustNewFuncTool[setBrightnessArgs]("set_brightness",
			"Set the device's display/LED brightness.",
			genx.InvokeFunc[setBrightnessArgs](func(_ context.Context, _ *genx.FuncCall, arg setBrightnessArgs) (any, error) {
				return nil, port.SetBrightness(arg.Brightness)
			}),
		),
		genx.MustNewFuncTool[setLightModeArgs]("set_light_mode",
			"Set the device's light/LED mode.",
			genx.InvokeFunc[setLightModeArgs](func(_ context.Context, _ *genx.FuncCall, arg setLightModeArgs) (any, error) {
				return nil, port.SetLightMode(arg.Mode)
			}),
		),
		genx.MustNewFuncTool[struct{}]("raise_call",
			"Ask the device to initiate a call back to the assistant.",
			genx.InvokeFunc[struct{}](func(_ context.Context, _ *genx.FuncCall, _ struct{}) (any, error) {
				return nil, port.RaiseCall()
			}),
		),
	}
}

type setVolumeArgs struct {
	Volume int `json:"volume" jsonschema:"the new volume level, 0-100"`
}

type setBrightnessArgs struct {
	Brightness int `json:"brightness" jsonschema:"the new brightness level, 0-100"`
}

type setLightModeArgs struct {
	Mode string `json:"mode" jsonschema:"the new light mode name"`
}
