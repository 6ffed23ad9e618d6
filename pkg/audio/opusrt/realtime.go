package opusrt

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	pkgbuf "github.com/haivivi/palr/pkg/buffer"
)

// ErrDone is a sentinel for an exhausted stream. RealtimeBuffer does not
// return it: it reports exhaustion as io.EOF.
var ErrDone = errors.New("opusrt: done")

// RealtimeBuffer paces a Buffer's emissions out in real time: it polls the
// underlying Buffer (which owns all reorder, late-drop, and
// silence-synthesis decisions) and releases each emitted frame to readers
// spaced out by the frame's own duration, so a reader pulling as fast as
// it can still gets audio at playback speed.
type RealtimeBuffer struct {
	opus *Buffer
	evts *pkgbuf.BlockBuffer[Frame]

	closeWrite atomic.Bool
}

// RealtimeFrom creates a RealtimeBuffer from an existing Buffer. Starts a
// background goroutine to pull frames in real-time.
func RealtimeFrom(buf *Buffer) *RealtimeBuffer {
	rtb := &RealtimeBuffer{opus: buf, evts: pkgbuf.BlockN[Frame](1024)}
	go rtb.pull()
	return rtb
}

// idlePoll is how long pull() waits before retrying Buffer.Frame() when
// the buffer has nothing eligible to emit yet.
const idlePoll = 5 * time.Millisecond

func (rtb *RealtimeBuffer) pull() {
	defer rtb.evts.CloseWrite()

	var nextRelease time.Time

	for {
		f, _, err := rtb.opus.Frame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rtb.closeWrite.Load() {
					return
				}
				time.Sleep(idlePoll)
				continue
			}
			if errors.Is(err, ErrNotReady) {
				time.Sleep(idlePoll)
				continue
			}
			return
		}

		now := time.Now()
		if !nextRelease.IsZero() {
			if d := nextRelease.Sub(now); d > 0 {
				time.Sleep(d)
				now = nextRelease
			}
		}

		if err := rtb.evts.Add(f); err != nil {
			return
		}
		nextRelease = now.Add(f.Duration())
	}
}

// Frame returns the next frame in real-time playback order.
//
// Returns io.EOF when the underlying buffer is closed for writing and
// fully drained.
func (rtb *RealtimeBuffer) Frame() (Frame, time.Duration, error) {
	f, err := rtb.evts.Next()
	if err != nil {
		if errors.Is(err, pkgbuf.ErrIteratorDone) || errors.Is(err, io.ErrClosedPipe) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}
	return f, 0, nil
}

// Counters returns a snapshot of the underlying Buffer's event counters.
func (rtb *RealtimeBuffer) Counters() Counters {
	return rtb.opus.Counters()
}

// Reset clears the underlying buffer.
func (rtb *RealtimeBuffer) Reset() {
	rtb.opus.Reset()
}

// Write implements io.Writer for stamped frame data.
func (rtb *RealtimeBuffer) Write(stamped []byte) (int, error) {
	if rtb.closeWrite.Load() {
		return 0, io.ErrClosedPipe
	}
	return rtb.opus.Write(stamped)
}

// CloseWrite signals that no more data will be written.
func (rtb *RealtimeBuffer) CloseWrite() error {
	rtb.closeWrite.Store(true)
	return nil
}

// Close closes the buffer and releases resources.
func (rtb *RealtimeBuffer) Close() error {
	return rtb.evts.Close()
}

// CloseWithError closes the buffer with a specific error.
func (rtb *RealtimeBuffer) CloseWithError(err error) error {
	return rtb.evts.CloseWithError(err)
}

// RealtimeReader wraps a FrameReader to simulate real-time playback.
// It sleeps between frames to match real-time pacing.
type RealtimeReader[T FrameReader] struct {
	FrameReader T

	// DelayFunc is called to adjust the delay between frames.
	// If nil, the delay will be the frame's duration.
	DelayFunc func(duration, gap time.Duration) time.Duration

	duration time.Duration
	nextRead time.Time
}

// Frame returns the next frame, sleeping to maintain real-time pacing.
func (r *RealtimeReader[T]) Frame() (Frame, time.Duration, error) {
	if r.nextRead.IsZero() {
		// First frame
		f, d, err := r.FrameReader.Frame()
		if err != nil {
			return nil, 0, err
		}
		if d == 0 {
			d = f.Duration()
		}
		r.nextRead = time.Now().Add(d)
		r.duration = d
		return f, d, nil
	}

	f, d, err := r.FrameReader.Frame()
	if err != nil {
		return nil, 0, err
	}

	// Calculate and apply delay
	gap := time.Until(r.nextRead)
	if r.DelayFunc != nil {
		gap = r.DelayFunc(r.duration, gap)
	}
	if gap > 0 {
		time.Sleep(gap)
	}

	if d == 0 {
		d = f.Duration()
	}
	r.nextRead = r.nextRead.Add(d)
	r.duration += d
	return f, d, nil
}
