package transformers

import (
	"context"
	"fmt"
	"io"

	"github.com/haivivi/palr/pkg/genx"
	"github.com/haivivi/palr/pkg/trie"
)

// TtsProvider is a single-method capability interface for a synthesis
// backend: given text, it returns a Stream of audio Blob chunks. Injecting
// this into TTSTransformer keeps the transformer vendor-agnostic — no
// component needs to link against a concrete TTS client.
type TtsProvider interface {
	Synthesize(ctx context.Context, text string) (genx.Stream, error)
}

// TTSTransformer adapts a TtsProvider into a genx.Transformer: it
// accumulates Text chunks from the input stream until EoS, synthesizes the
// accumulated text via the provider, and returns the provider's audio
// stream. Register it on a Mux under whatever pattern names the voice.
type TTSTransformer struct {
	provider TtsProvider
}

// NewTTSTransformer wraps provider as a genx.Transformer.
func NewTTSTransformer(provider TtsProvider) *TTSTransformer {
	return &TTSTransformer{provider: provider}
}

// Transform implements genx.Transformer.
func (t *TTSTransformer) Transform(ctx context.Context, _ string, input genx.Stream) (genx.Stream, error) {
	var text string
	for {
		chunk, err := input.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("tts transformer: read input: %w", err)
		}
		if chunk == nil {
			continue
		}
		if chunk.IsEndOfStream() {
			break
		}
		if t, ok := chunk.Part.(genx.Text); ok {
			text += string(t)
		}
	}
	return t.provider.Synthesize(ctx, text)
}

// TTS is a multiplexer for TTS transformers. It routes synthesis requests
// to the appropriate registered transformer based on a model name pattern.
//
// Usage:
//
//	mux := transformers.NewTTSMux()
//	mux.Handle("doubao-v2", transformers.NewTTSTransformer(myProvider))
//
//	// Create a TTS stream
//	stream, err := mux.Synthesize(ctx, "doubao-v2", "Hello world")
//	chunk, err := stream.Next() // receive audio chunks until io.EOF
type TTS struct {
	mux *trie.Trie[genx.Transformer]
}

// NewTTSMux creates a new TTS transformer multiplexer.
func NewTTSMux() *TTS {
	return &TTS{
		mux: trie.New[genx.Transformer](),
	}
}

// Handle registers a TTS transformer for the given pattern.
func (m *TTS) Handle(pattern string, t genx.Transformer) error {
	return m.mux.Set(pattern, func(ptr *genx.Transformer, existed bool) error {
		if existed {
			return fmt.Errorf("tts: transformer already registered for %s", pattern)
		}
		*ptr = t
		return nil
	})
}

// Synthesize creates a TTS stream for the given model pattern and text.
// Returns a genx.Stream that emits audio Blob chunks.
func (m *TTS) Synthesize(ctx context.Context, pattern string, text string) (genx.Stream, error) {
	ptr, ok := m.mux.Get(pattern)
	if !ok {
		return nil, fmt.Errorf("tts: transformer not found for %s", pattern)
	}
	t := *ptr
	if t == nil {
		return nil, fmt.Errorf("tts: transformer not found for %s", pattern)
	}

	// Create input stream with text
	inputStream := newBufferStream(10)

	// Send the text as a single chunk
	textChunk := &genx.MessageChunk{
		Part: genx.Text(text),
	}
	if err := inputStream.Push(textChunk); err != nil {
		inputStream.Close()
		return nil, fmt.Errorf("tts: push text failed: %w", err)
	}

	// Send text EOS to signal end of input
	eosChunk := genx.NewTextEndOfStream()
	if err := inputStream.Push(eosChunk); err != nil {
		inputStream.Close()
		return nil, fmt.Errorf("tts: push eos failed: %w", err)
	}

	// Close input stream
	inputStream.Close()

	// Start the transformer
	outputStream, err := t.Transform(ctx, pattern, inputStream)
	if err != nil {
		return nil, fmt.Errorf("tts: transform failed: %w", err)
	}

	return outputStream, nil
}

// SynthesizeStream creates a TTS session for streaming text input.
// Returns a TTSSession that can be used to send text and receive audio.
func (m *TTS) SynthesizeStream(ctx context.Context, pattern string) (*TTSSession, error) {
	ptr, ok := m.mux.Get(pattern)
	if !ok {
		return nil, fmt.Errorf("tts: transformer not found for %s", pattern)
	}
	t := *ptr
	if t == nil {
		return nil, fmt.Errorf("tts: transformer not found for %s", pattern)
	}

	// Create input stream for text
	inputStream := newBufferStream(100)

	// Start the transformer
	outputStream, err := t.Transform(ctx, pattern, inputStream)
	if err != nil {
		inputStream.Close()
		return nil, fmt.Errorf("tts: transform failed: %w", err)
	}

	return &TTSSession{
		input:  inputStream,
		output: outputStream,
	}, nil
}

// TTSSession represents an active TTS session.
// Text data is sent via Send(), and audio results are received via Output().
type TTSSession struct {
	input  *bufferStream
	output genx.Stream
}

// Send sends text to the TTS session.
func (s *TTSSession) Send(text string) error {
	chunk := &genx.MessageChunk{
		Part: genx.Text(text),
	}
	return s.input.Push(chunk)
}

// Close signals the end of text input.
// This should be called after all text has been sent.
func (s *TTSSession) Close() error {
	// Send text EOS marker
	eosChunk := genx.NewTextEndOfStream()
	if err := s.input.Push(eosChunk); err != nil {
		return err
	}
	return s.input.Close()
}

// Output returns the output stream for receiving audio chunks.
// The stream will emit Blob chunks with synthesized audio.
func (s *TTSSession) Output() genx.Stream {
	return s.output
}

// CloseAll closes both input and output streams.
func (s *TTSSession) CloseAll() error {
	s.input.Close()
	if s.output != nil {
		return s.output.Close()
	}
	return nil
}
