// Package transformers provides stream transformers for audio processing
// and the Mux used to route them by pattern.
//
// # Overview
//
// This package implements genx.Transformer for the codec bridge that sits
// between device audio and the rest of the stream fabric:
//   - MP3ToOgg: audio/mp3 chunks -> audio/ogg (Opus) chunks, via an
//     injected Transcoder so the package carries no CGO/FFI dependency.
//   - TTSTransformer: Text chunks -> Audio chunks, via an injected
//     TtsProvider so no concrete vendor client is linked in.
//     TTSTransformer reads its input inside Transform, up to the first EoS
//     marker or EOF, and returns the provider's audio stream as it is: it
//     drops non-Text chunks, adds no EoS marker of its own and handles a
//     single sub-stream. The EoS convention below describes MP3ToOgg.
//
// # Lifecycle
//
// All transformers in this package follow the genx.Transformer lifecycle contract:
//
//   - Transform(ctx) uses ctx ONLY for initialization (dial, handshake, session).
//   - Background goroutines do NOT hold ctx. They exit when input.Next()
//     returns io.EOF or error.
//   - To cancel a running transformer, close the input Stream.
//
// See genx.Transformer documentation for the full contract.
//
// # EOF vs EoS Convention
//
// Transformers handle two kinds of "end" signals differently:
//
// io.EOF (from input.Next()):
//   - The input Stream is physically done. No more chunks will arrive.
//   - Transformer flushes buffered data, emits results, and returns.
//   - The output Stream is closed by defer. Downstream sees io.EOF.
//   - Transformer does NOT fabricate an EoS marker.
//
// EoS marker (MessageChunk.Ctrl.EndOfStream=true):
//   - A logical sub-stream boundary sent by the CALLER.
//   - Transformer flushes buffered data, emits results.
//   - Transformer emits a TRANSLATED EoS marker (e.g., Text EoS -> Audio EoS).
//   - Transformer continues the loop — more sub-streams may follow.
//
// # Usage
//
// Mux has no package-level default instance; callers construct their own
// and register transformers on it:
//
//	mux := transformers.NewMux()
//	mux.Handle("codec/mp3-to-ogg", transformers.NewMP3ToOgg(myTranscoder))
//	mux.Handle("tts/cancan", transformers.NewTTSTransformer(myTtsProvider))
//
//	output, err := mux.Transform(ctx, "codec/mp3-to-ogg", mp3Stream)
package transformers
