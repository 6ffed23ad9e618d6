package opusrt

import (
	"encoding/binary"
	"errors"
	"slices"
	"time"

	"github.com/haivivi/palr/pkg/audio/codec/opus"
)

// Frame represents a raw Opus frame.
type Frame []byte

// Duration returns the duration of this Opus frame based on its TOC byte.
func (f Frame) Duration() time.Duration {
	if len(f) == 0 {
		return 0
	}
	toc := f.TOC()
	fd := toc.Configuration().FrameDuration()
	switch toc.FrameCode() {
	case opus.OneFrame:
		return fd.Duration()
	case opus.TwoEqualFrames:
		return fd.Duration() * 2
	case opus.TwoDifferentFrames:
		return fd.Duration() * 2
	case opus.ArbitraryFrames:
		if len(f) < 2 {
			return 0
		}
		frameCount := f[1] & 0b00111111
		return fd.Duration() * time.Duration(frameCount)
	}
	return 0
}

// TOC returns the TOC byte of this frame.
func (f Frame) TOC() opus.TOC {
	if len(f) == 0 {
		return 0
	}
	return opus.TOC(f[0])
}

// Clone returns a copy of this frame.
func (f Frame) Clone() Frame {
	return slices.Clone(f)
}

// IsStereo returns true if this frame is stereo.
func (f Frame) IsStereo() bool {
	return f.TOC().IsStereo()
}

// FrameReader is the interface for reading Opus frames.
type FrameReader interface {
	// Frame returns the next frame, its duration (or loss duration), and any error.
	// If loss > 0, the frame is nil and loss indicates the duration of lost data.
	Frame() (frame Frame, loss time.Duration, err error)
}

// StampedFrame format:
//
//	+--------+------------------+------------------+
//	| Version| Timestamp (6B)   | Opus Frame Data  |
//	| (1B)   | Little-endian ms |                  |
//	+--------+------------------+------------------+
//
// Total header: 7 bytes. The 6-byte timestamp field can represent
// milliseconds-since-epoch values up to 2^48-1.
const (
	// FrameVersion is the current stamped frame format version.
	FrameVersion = 1

	// StampedHeaderSize is the size of the stamped frame header.
	StampedHeaderSize = 7

	// stampedTimestampSize is the width of the timestamp field within the header.
	stampedTimestampSize = 6
)

// StampedFrame is an Opus frame with an embedded timestamp.
type StampedFrame []byte

// Frame returns the Opus frame data (without the timestamp header).
func (sf StampedFrame) Frame() Frame {
	if len(sf) < StampedHeaderSize {
		return nil
	}
	return Frame(sf[StampedHeaderSize:])
}

// Version returns the format version byte.
func (sf StampedFrame) Version() int {
	if len(sf) == 0 {
		return 0
	}
	return int(sf[0])
}

// Stamp returns the timestamp embedded in this frame.
func (sf StampedFrame) Stamp() EpochMillis {
	if len(sf) < StampedHeaderSize {
		return 0
	}
	return EpochMillis(decodeStamp(sf[1:StampedHeaderSize]))
}

// Duration returns the duration of the embedded Opus frame.
func (sf StampedFrame) Duration() time.Duration {
	return sf.Frame().Duration()
}

// decodeStamp decodes a 6-byte little-endian millisecond timestamp.
func decodeStamp(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:stampedTimestampSize], b)
	return binary.LittleEndian.Uint64(buf[:])
}

// encodeStamp encodes stamp into a 6-byte little-endian field.
// Values above 2^48-1 are truncated to fit.
func encodeStamp(stamp EpochMillis) [stampedTimestampSize]byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(stamp))
	var out [stampedTimestampSize]byte
	copy(out[:], buf[:stampedTimestampSize])
	return out
}

// ErrUnsupportedVersion is returned by ParseStamped when the frame's version
// byte does not match FrameVersion.
var ErrUnsupportedVersion = errors.New("opusrt: unsupported frame version")

// ErrTruncatedFrame is returned by ParseStamped when the frame is shorter
// than the stamped header, or carries no Opus payload after it.
var ErrTruncatedFrame = errors.New("opusrt: truncated frame")

// ParseStamped extracts the frame and timestamp from stamped data,
// distinguishing the two ways a malformed frame can fail: an unrecognized
// version byte, versus a frame too short to carry a header and payload.
func ParseStamped(b []byte) (frame Frame, ts EpochMillis, err error) {
	if len(b) < StampedHeaderSize {
		return nil, 0, ErrTruncatedFrame
	}
	if b[0] != FrameVersion {
		return nil, 0, ErrUnsupportedVersion
	}
	ts = EpochMillis(decodeStamp(b[1:StampedHeaderSize]))
	frame = Frame(b[StampedHeaderSize:])
	if len(frame) < 1 {
		return nil, 0, ErrTruncatedFrame
	}
	return frame, ts, nil
}

// FromStamped extracts the frame and timestamp from stamped data.
// Returns ok=false if the data is invalid; use ParseStamped to distinguish
// why.
func FromStamped(b []byte) (frame Frame, ts EpochMillis, ok bool) {
	frame, ts, err := ParseStamped(b)
	return frame, ts, err == nil
}

// Stamp creates a stamped frame from a frame and timestamp.
// Returns a new byte slice containing the stamped frame.
func Stamp(frame Frame, stamp EpochMillis) []byte {
	var header [StampedHeaderSize]byte
	header[0] = FrameVersion
	stampBytes := encodeStamp(stamp)
	copy(header[1:], stampBytes[:])
	return append(header[:], frame...)
}

// StampTo writes a stamped frame to dst.
// Panics if dst is too small.
func StampTo(dst []byte, frame Frame, stamp EpochMillis) []byte {
	if len(dst) < len(frame)+StampedHeaderSize {
		panic("opusrt: dst buffer too small")
	}
	dst[0] = FrameVersion
	stampBytes := encodeStamp(stamp)
	copy(dst[1:StampedHeaderSize], stampBytes[:])
	copy(dst[StampedHeaderSize:], frame)
	return dst[:len(frame)+StampedHeaderSize]
}
