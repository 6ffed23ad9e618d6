package transformers

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/haivivi/palr/pkg/buffer"
	"github.com/haivivi/palr/pkg/genx"
)

// Transcoder decodes MP3 to PCM and encodes PCM to Opus frames. MP3ToOgg
// depends on this interface rather than on a CGO-bound codec library
// directly, so the core module stays free of an FFI dependency; a real
// implementation is wired in by the caller.
type Transcoder interface {
	// Decode decodes a complete MP3 stream to interleaved 16-bit PCM
	// samples, along with the sample rate the stream was encoded at.
	Decode(mp3 []byte) (pcm []int16, sampleRate int, err error)

	// EncodeOpusFrame encodes one 20ms frame of interleaved PCM samples
	// to a single Opus frame.
	EncodeOpusFrame(pcm []int16) ([]byte, error)
}

// MP3ToOgg is a transformer that converts audio/mp3 chunks to audio/ogg (Opus) chunks.
//
// Input type: audio/mp3 or audio/mpeg
// Output type: audio/ogg
//
// EoS Handling:
//   - When receiving an audio/mp3 or audio/mpeg EoS marker, finish conversion, emit audio/ogg EoS
//   - Non-MP3 chunks are passed through unchanged
type MP3ToOgg struct {
	transcoder Transcoder
	channels   int
}

// MP3ToOggOption configures the MP3ToOgg transformer.
type MP3ToOggOption func(*MP3ToOgg)

// WithMP3ToOggChannels sets the output channel count (default 1).
func WithMP3ToOggChannels(channels int) MP3ToOggOption {
	return func(c *MP3ToOgg) {
		c.channels = channels
	}
}

// NewMP3ToOgg creates a new MP3 to OGG transformer using the given
// Transcoder for the actual decode/encode work.
func NewMP3ToOgg(transcoder Transcoder, opts ...MP3ToOggOption) *MP3ToOgg {
	c := &MP3ToOgg{
		transcoder: transcoder,
		channels:   1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transform converts audio/mp3 Blob chunks to audio/ogg Blob chunks.
// Non-audio chunks and non-mp3 audio chunks are passed through unchanged.
// MP3ToOgg does not require connection setup, so it returns immediately.
func (c *MP3ToOgg) Transform(ctx context.Context, _ string, input genx.Stream) (genx.Stream, error) {
	outBuf := buffer.N[*genx.MessageChunk](100)
	out := &mp3ToOggStream{buf: outBuf}

	go c.transformLoop(input, outBuf)

	return out, nil
}

func (c *MP3ToOgg) transformLoop(input genx.Stream, out *buffer.Buffer[*genx.MessageChunk]) {
	defer out.CloseWrite()

	var mp3Data bytes.Buffer
	var lastChunk *genx.MessageChunk

	for {
		chunk, err := input.Next()
		if err != nil {
			if err == io.EOF {
				// EOF: convert any remaining MP3 data
				if mp3Data.Len() > 0 {
					if err := c.flushMP3ToOgg(&mp3Data, lastChunk, out); err != nil {
						out.CloseWithError(err)
						return
					}
				}
				return
			}
			out.CloseWithError(err)
			return
		}

		if chunk == nil {
			continue
		}

		// Check for EoS marker
		if chunk.IsEndOfStream() {
			blob, ok := chunk.Part.(*genx.Blob)
			if ok && (blob.MIMEType == "audio/mp3" || blob.MIMEType == "audio/mpeg") {
				// MP3 EoS: convert accumulated data and emit OGG EoS
				if mp3Data.Len() > 0 {
					if err := c.flushMP3ToOgg(&mp3Data, lastChunk, out); err != nil {
						out.CloseWithError(err)
						return
					}
				}
				// Emit OGG EoS
				eosChunk := genx.NewEndOfStream("audio/ogg")
				if lastChunk != nil {
					eosChunk.Role = lastChunk.Role
					eosChunk.Name = lastChunk.Name
				}
				if err := out.Add(eosChunk); err != nil {
					return
				}
				continue
			}
			// Non-MP3 EoS: pass through
			if err := out.Add(chunk); err != nil {
				return
			}
			continue
		}

		// Check if it's an MP3 blob (audio/mp3 or audio/mpeg)
		blob, ok := chunk.Part.(*genx.Blob)
		if ok && (blob.MIMEType == "audio/mp3" || blob.MIMEType == "audio/mpeg") {
			// Collect MP3 data
			mp3Data.Write(blob.Data)
			lastChunk = chunk
		} else {
			// Pass through non-MP3 chunks
			if err := out.Add(chunk); err != nil {
				return
			}
		}
	}
}

// flushMP3ToOgg converts accumulated MP3 data to OGG and outputs it.
func (c *MP3ToOgg) flushMP3ToOgg(mp3Data *bytes.Buffer, lastChunk *genx.MessageChunk, out *buffer.Buffer[*genx.MessageChunk]) error {
	oggData, err := c.convertMP3ToOgg(mp3Data.Bytes())
	if err != nil {
		return err
	}

	outChunk := &genx.MessageChunk{
		Part: &genx.Blob{
			MIMEType: "audio/ogg",
			Data:     oggData,
		},
	}

	if lastChunk != nil {
		outChunk.Role = lastChunk.Role
		outChunk.Name = lastChunk.Name
	}

	if err := out.Add(outChunk); err != nil {
		return err
	}

	mp3Data.Reset()
	return nil
}

// convertMP3ToOgg converts MP3 data to OGG/Opus format by decoding it
// whole via the injected Transcoder, then re-encoding 20ms frames of PCM
// into a fresh Opus logical bitstream.
func (c *MP3ToOgg) convertMP3ToOgg(mp3Data []byte) ([]byte, error) {
	pcm, sampleRate, err := c.transcoder.Decode(mp3Data)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}

	var oggBuf bytes.Buffer
	oggWriter, err := newOggOpusWriter(&oggBuf, sampleRate, c.channels)
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}

	frameSamples := sampleRate * 20 / 1000 * c.channels // interleaved samples per 20ms frame

	for off := 0; off < len(pcm); off += frameSamples {
		end := off + frameSamples
		var frame []int16
		if end <= len(pcm) {
			frame = pcm[off:end]
		} else {
			// Pad the final, partial frame with silence.
			frame = make([]int16, frameSamples)
			copy(frame, pcm[off:])
		}

		encoded, err := c.transcoder.EncodeOpusFrame(frame)
		if err != nil {
			return nil, fmt.Errorf("encode opus frame: %w", err)
		}
		if err := oggWriter.writeFrame(encoded, frameSamples/c.channels); err != nil {
			return nil, fmt.Errorf("write ogg page: %w", err)
		}
	}

	if err := oggWriter.close(); err != nil {
		return nil, fmt.Errorf("close ogg: %w", err)
	}

	return oggBuf.Bytes(), nil
}

// mp3ToOggStream wraps a buffer as a Stream.
type mp3ToOggStream struct {
	buf    *buffer.Buffer[*genx.MessageChunk]
	closed bool
}

func (s *mp3ToOggStream) Next() (*genx.MessageChunk, error) {
	chunk, err := s.buf.Next()
	if err == buffer.ErrIteratorDone {
		return nil, io.EOF
	}
	return chunk, err
}

func (s *mp3ToOggStream) Close() error {
	if !s.closed {
		s.closed = true
		s.buf.CloseWrite()
	}
	return nil
}

func (s *mp3ToOggStream) CloseWithError(err error) error {
	if !s.closed {
		s.closed = true
		s.buf.CloseWithError(err)
	}
	return nil
}
