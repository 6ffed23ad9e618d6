// Package genx provides the streaming vocabulary shared by palr's audio
// and device-control pipelines.
//
// # Core Types
//
// MessageChunk is the fundamental unit of data in a Stream:
//   - Role: The producer of this message (user, model, or tool)
//   - Name: The name of the producer (e.g., "alice", "assistant")
//   - Part: The content payload (Text or Blob)
//   - ToolCall: tool invocation data, for a generator driving device commands
//   - Ctrl: Stream control signals (optional, for routing and state)
//
// Stream is the primary data flow abstraction:
//
//	type Stream interface {
//	    Next() (*MessageChunk, error)
//	    Close() error
//	    CloseWithError(error) error
//	}
//
// Transformer converts a Stream into another Stream. One that only rewrites
// content changes Part and keeps Role, Name, ToolCall and Ctrl. See
// genx/transformers for the codec bridge (MP3->Ogg/Opus) and TTS adapter
// built on it.
//
// FuncTool/ToolCall/FuncCall let a tool-calling generator invoke device
// actions (see chatgear.DeviceTools) without the generator needing any
// gear-specific code.
//
// # Data Flow Example
//
// The uplink side of a gear session:
//
//	Device mic (opusrt.Buffer) -> ServerPort.OpusChunks -> ASR Transformer -> ...
//	(Role=user, Part: audio/opus)                          (Part: audio->text)
package genx
