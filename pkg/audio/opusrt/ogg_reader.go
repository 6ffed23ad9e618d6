package opusrt

import (
	"io"
	"time"
)

// OggTeeReader reads Opus frames and simultaneously writes them to an OGG file.
type OggTeeReader struct {
	w    io.Writer
	opus FrameReader

	readErr error
	ogg     *OggWriter
}

// NewOggTeeReader creates a reader that tees Opus frames to an OGG file.
func NewOggTeeReader(oggFile io.Writer, r FrameReader) *OggTeeReader {
	return &OggTeeReader{w: oggFile, opus: r}
}

// Frame returns the next frame, also writing it to the OGG file.
func (rd *OggTeeReader) Frame() (frame Frame, d time.Duration, err error) {
	defer func() {
		rd.readErr = err
		if err != nil && rd.ogg != nil {
			rd.ogg.Close()
		}
	}()

	if rd.readErr != nil {
		return nil, 0, rd.readErr
	}

	frame, d, err = rd.opus.Frame()
	if err != nil {
		return nil, 0, err
	}

	// Initialize OGG writer on first frame
	if rd.ogg == nil {
		var ch int
		if frame.TOC().IsStereo() {
			ch = 2
		} else {
			ch = 1
		}
		ow, err := NewOggWriter(rd.w, frame.TOC().Configuration().Bandwidth().SampleRate(), ch)
		if err != nil {
			return nil, 0, err
		}
		rd.ogg = ow
	}

	if err := rd.ogg.Append(frame.Clone(), d); err != nil {
		return nil, 0, err
	}

	return frame, d, nil
}
