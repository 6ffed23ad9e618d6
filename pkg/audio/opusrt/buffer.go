package opusrt

import (
	"container/heap"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the stamped-Opus reorder/loss-concealment pipeline. A
// zero Config is valid: every field is coerced to its documented default
// by NewBuffer.
type Config struct {
	// MaxLoss bounds the gap between two consecutive emitted frames that is
	// filled with synthesized silence. A larger gap is treated as a resync
	// boundary instead of being filled. Default 5s.
	MaxLoss time.Duration

	// JitterBufferSize bounds how many frames the pipeline holds for
	// reordering. On overflow the earliest-arrived frame is dropped.
	// Default 100.
	JitterBufferSize int

	// LateWindow is how far behind the last emitted frame's end an
	// incoming frame's end may fall before it is dropped rather than
	// reordered in. A frame exactly on the boundary is kept. Default
	// 100ms.
	LateWindow time.Duration

	// MinReadyFrames is how many frames must be buffered before the
	// pipeline starts draining, absorbing startup jitter. Default 1.
	MinReadyFrames int
}

func (c Config) withDefaults() Config {
	if c.MaxLoss <= 0 {
		c.MaxLoss = 5 * time.Second
	}
	if c.JitterBufferSize <= 0 {
		c.JitterBufferSize = 100
	}
	if c.LateWindow <= 0 {
		c.LateWindow = 100 * time.Millisecond
	}
	if c.MinReadyFrames <= 0 {
		c.MinReadyFrames = 1
	}
	return c
}

// Counters is a snapshot of a Buffer's saturating event counts.
type Counters struct {
	InvalidFrames            uint64
	DroppedLateFrames        uint64
	InsertedSilenceFrames    uint64
	UnsupportedVersionFrames uint64
	TruncatedFrames          uint64
}

type counters struct {
	invalidFrames            atomic.Uint64
	droppedLateFrames        atomic.Uint64
	insertedSilenceFrames    atomic.Uint64
	unsupportedVersionFrames atomic.Uint64
	truncatedFrames          atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		InvalidFrames:            c.invalidFrames.Load(),
		DroppedLateFrames:        c.droppedLateFrames.Load(),
		InsertedSilenceFrames:    c.insertedSilenceFrames.Load(),
		UnsupportedVersionFrames: c.unsupportedVersionFrames.Load(),
		TruncatedFrames:          c.truncatedFrames.Load(),
	}
}

// incrSaturating increments c by one, stopping at math.MaxUint64 rather
// than wrapping.
func incrSaturating(c *atomic.Uint64) {
	for {
		v := c.Load()
		if v == math.MaxUint64 {
			return
		}
		if c.CompareAndSwap(v, v+1) {
			return
		}
	}
}

// bufferedFrame holds a frame with its timestamp and arrival order.
type bufferedFrame struct {
	stamp      EpochMillis
	arrivalSeq uint64
	frame      Frame
}

func (f *bufferedFrame) endStamp() EpochMillis {
	return f.stamp + FromDuration(f.frame.Duration())
}

// frameHeap is a min-heap ordered by (stamp, arrivalSeq), so that frames
// sharing a stamp are emitted in the order they arrived instead of
// comparing arbitrarily.
type frameHeap []*bufferedFrame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].stamp != h[j].stamp {
		return h[i].stamp < h[j].stamp
	}
	return h[i].arrivalSeq < h[j].arrivalSeq
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x interface{}) { *h = append(*h, x.(*bufferedFrame)) }

func (h *frameHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// ErrLateFrame is returned by Append when a frame's end falls more than
// LateWindow behind the last emitted frame's end, so it cannot be
// reordered into the stream.
var ErrLateFrame = errors.New("opusrt: late frame dropped")

// ErrNotReady is returned by Frame when the pipeline is still
// accumulating its startup buffer (MinReadyFrames) and has nothing
// eligible to emit yet. It is not a terminal condition: callers should
// retry once more data arrives.
var ErrNotReady = errors.New("opusrt: not ready")

// ErrInvalidFrame is returned by Write when the stamped frame could not
// be parsed. Inspect the wrapped error (errors.Is against
// ErrUnsupportedVersion / ErrTruncatedFrame) to tell the two failure
// modes apart.
var ErrInvalidFrame = errors.New("opusrt: invalid frame")

// silenceFrame20ms is a fixed, well-known 20ms Opus silence packet: TOC
// byte for SILK narrowband, one frame, mono (see pkg/audio/codec/opus's
// TOC configuration table, config 1). It carries no payload past the TOC
// byte; a real decoder treats a bodyless SILK frame as silence.
var silenceFrame20ms = Frame{0x08}

const silenceFrameDuration = 20 * time.Millisecond

// Buffer is the stamped-Opus reorder and loss-concealment pipeline: it
// reorders frames that arrive out of order, drops frames that arrive too
// late to reorder, bounds memory with a fixed-capacity jitter buffer, and
// fills gaps between consecutive frames with synthesized silence up to
// MaxLoss.
type Buffer struct {
	cfg Config

	mu             sync.Mutex
	heap           frameHeap
	nextArrivalSeq uint64

	primed         bool
	emitted        bool
	lastEmittedEnd EpochMillis
	pendingSilence int

	counters counters
}

// NewBuffer creates a reorder pipeline with the given configuration. Zero
// fields are coerced to their documented defaults.
func NewBuffer(cfg Config) *Buffer {
	return &Buffer{cfg: cfg.withDefaults()}
}

// Counters returns a snapshot of the pipeline's event counters.
func (buf *Buffer) Counters() Counters {
	return buf.counters.snapshot()
}

// Append adds an already-parsed frame at the given timestamp. It returns
// ErrLateFrame if the frame's end falls more than the configured
// LateWindow behind the last emitted frame's end.
func (buf *Buffer) Append(frame Frame, stamp EpochMillis) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.emitted {
		end := stamp + FromDuration(frame.Duration())
		lateWindow := FromDuration(buf.cfg.LateWindow)
		if end+lateWindow < buf.lastEmittedEnd {
			incrSaturating(&buf.counters.droppedLateFrames)
			slog.Debug("opusrt: drop late frame", "stamp", int64(stamp), "last_emitted_end", int64(buf.lastEmittedEnd))
			return ErrLateFrame
		}
	}

	seq := buf.nextArrivalSeq
	buf.nextArrivalSeq++
	heap.Push(&buf.heap, &bufferedFrame{frame: frame, stamp: stamp, arrivalSeq: seq})

	for buf.heap.Len() > buf.cfg.JitterBufferSize {
		buf.dropOldestArrived()
	}

	if buf.heap.Len() >= buf.cfg.MinReadyFrames {
		buf.primed = true
	}

	return nil
}

// dropOldestArrived removes the earliest-arrived buffered frame: the
// deterministic overflow policy once the jitter buffer is at capacity.
func (buf *Buffer) dropOldestArrived() {
	oldest := 0
	for i := 1; i < len(buf.heap); i++ {
		if buf.heap[i].arrivalSeq < buf.heap[oldest].arrivalSeq {
			oldest = i
		}
	}
	heap.Remove(&buf.heap, oldest)
}

// Write parses a stamped frame and appends it. It implements io.Writer so
// Buffer can sit directly behind an ingestion socket; the returned int is
// always len(stamped) on success, matching io.Writer's contract.
func (buf *Buffer) Write(stamped []byte) (int, error) {
	frame, ts, err := ParseStamped(stamped)
	if err != nil {
		incrSaturating(&buf.counters.invalidFrames)
		switch {
		case errors.Is(err, ErrUnsupportedVersion):
			incrSaturating(&buf.counters.unsupportedVersionFrames)
		case errors.Is(err, ErrTruncatedFrame):
			incrSaturating(&buf.counters.truncatedFrames)
		}
		return 0, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	if err := buf.Append(frame.Clone(), ts); err != nil && !errors.Is(err, ErrLateFrame) {
		return 0, err
	}
	return len(stamped), nil
}

// Frame returns the next frame in emission order: reordered real frames
// interleaved with synthesized silence for any gap up to MaxLoss. A gap
// larger than MaxLoss is skipped without synthesis (treated as a resync).
//
// Returns io.EOF when nothing is buffered, or ErrNotReady while fewer than
// MinReadyFrames frames have been buffered since construction or Reset;
// neither is a terminal condition.
// Implements FrameReader; the returned duration is always 0 — gaps are
// represented as emitted silence frames, not as a loss duration.
func (buf *Buffer) Frame() (Frame, time.Duration, error) {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.next()
}

func (buf *Buffer) next() (Frame, time.Duration, error) {
	if buf.pendingSilence > 0 {
		buf.pendingSilence--
		incrSaturating(&buf.counters.insertedSilenceFrames)
		buf.lastEmittedEnd += FromDuration(silenceFrameDuration)
		return silenceFrame20ms, 0, nil
	}

	if buf.heap.Len() == 0 {
		return nil, 0, io.EOF
	}
	if !buf.primed {
		return nil, 0, ErrNotReady
	}

	top := buf.heap[0]

	if buf.emitted {
		gap := top.stamp - buf.lastEmittedEnd
		if gap >= FromDuration(silenceFrameDuration) {
			if gap <= FromDuration(buf.cfg.MaxLoss) {
				buf.pendingSilence = int(gap / FromDuration(silenceFrameDuration))
				return buf.next()
			}
			// gap exceeds MaxLoss: resync without filling.
		}
	}

	heap.Pop(&buf.heap)
	buf.emitted = true
	buf.lastEmittedEnd = top.endStamp()
	return top.frame, 0, nil
}

// Len returns the number of frames currently buffered for reordering.
func (buf *Buffer) Len() int {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.heap.Len()
}

// Reset discards all buffered frames and forgets emission state, as if
// the pipeline were newly constructed. Counters are preserved.
func (buf *Buffer) Reset() {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.heap = nil
	buf.primed = false
	buf.emitted = false
	buf.lastEmittedEnd = 0
	buf.pendingSilence = 0
}
