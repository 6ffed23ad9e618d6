// Package opusrt implements the stamped-Opus wire format and the
// reorder/loss-concealment pipeline used to turn a stream of
// out-of-order, possibly-late, possibly-lost stamped Opus frames into an
// in-order stream with gaps filled by synthesized silence.
//
// The core types are:
//   - Frame: raw Opus frame data
//   - StampedFrame: an Opus frame with an embedded millisecond timestamp
//   - EpochMillis: millisecond-precision timestamp
//   - Buffer: the reorder/loss-concealment pipeline
//   - RealtimeBuffer: paces a Buffer's emissions out in real time
//
// Example usage:
//
//	buf := opusrt.NewBuffer(opusrt.Config{})
//
//	// Write stamped frames (can arrive out of order, late, or malformed)
//	buf.Write(stampedData)
//
//	// Read frames in emission order, with gaps filled by silence
//	frame, _, err := buf.Frame()
package opusrt
