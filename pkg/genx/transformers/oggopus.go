package transformers

import (
	"encoding/binary"
	"io"
)

// oggOpusWriter muxes raw Opus frames into an Ogg container (RFC 3533
// pages carrying an Opus logical bitstream per RFC 7845), written directly
// against the container format rather than through a CGO-backed ogg
// library, so this package carries no FFI dependency.
type oggOpusWriter struct {
	w          io.Writer
	serial     uint32
	seq        uint32
	granule    int64
	wroteHead  bool
	sampleRate int
}

func newOggOpusWriter(w io.Writer, sampleRate, channels int) (*oggOpusWriter, error) {
	ow := &oggOpusWriter{w: w, serial: 1, sampleRate: sampleRate}
	if err := ow.writePage(oggHeaderBOS, 0, opusHeadPacket(channels, sampleRate)); err != nil {
		return nil, err
	}
	if err := ow.writePage(0, 0, opusTagsPacket()); err != nil {
		return nil, err
	}
	ow.wroteHead = true
	return ow, nil
}

// writeFrame writes one Opus frame (opus.Frame, []byte) as its own Ogg
// page, advancing the granule position by the frame's sample count.
func (ow *oggOpusWriter) writeFrame(frame []byte, samples int) error {
	ow.granule += int64(samples)
	return ow.writePage(0, ow.granule, frame)
}

func (ow *oggOpusWriter) close() error {
	return ow.writePage(oggHeaderEOS, ow.granule, nil)
}

const (
	oggHeaderBOS = 0x02
	oggHeaderEOS = 0x04
)

// writePage writes a single Ogg page carrying exactly one packet
// (splitting across multiple pages is not needed for the frame and
// header packet sizes this writer produces).
func (ow *oggOpusWriter) writePage(headerType byte, granule int64, packet []byte) error {
	segments := segmentTable(len(packet))

	page := make([]byte, 0, 27+len(segments)+len(packet))
	page = append(page, 'O', 'g', 'g', 'S')
	page = append(page, 0) // version
	page = append(page, headerType)
	var granuleBuf [8]byte
	binary.LittleEndian.PutUint64(granuleBuf[:], uint64(granule))
	page = append(page, granuleBuf[:]...)
	var serialBuf, seqBuf [4]byte
	binary.LittleEndian.PutUint32(serialBuf[:], ow.serial)
	binary.LittleEndian.PutUint32(seqBuf[:], ow.seq)
	page = append(page, serialBuf[:]...)
	page = append(page, seqBuf[:]...)
	page = append(page, 0, 0, 0, 0) // CRC placeholder
	page = append(page, byte(len(segments)))
	page = append(page, segments...)
	page = append(page, packet...)

	binary.LittleEndian.PutUint32(page[22:26], oggCRC32(page))

	ow.seq++
	_, err := ow.w.Write(page)
	return err
}

// segmentTable lays out the lacing values for a single packet of size n:
// as many 255s as needed, then a final value in [0, 255).
func segmentTable(n int) []byte {
	var segs []byte
	for n >= 255 {
		segs = append(segs, 255)
		n -= 255
	}
	segs = append(segs, byte(n))
	return segs
}

func opusHeadPacket(channels, sampleRate int) []byte {
	p := make([]byte, 19)
	copy(p[0:8], "OpusHead")
	p[8] = 1 // version
	p[9] = byte(channels)
	binary.LittleEndian.PutUint16(p[10:12], 0) // pre-skip
	binary.LittleEndian.PutUint32(p[12:16], uint32(sampleRate))
	binary.LittleEndian.PutUint16(p[16:18], 0) // output gain
	p[18] = 0                                  // channel mapping family
	return p
}

func opusTagsPacket() []byte {
	const vendor = "palr"
	p := make([]byte, 0, 16+len(vendor))
	p = append(p, "OpusTags"...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(vendor)))
	p = append(p, lenBuf[:]...)
	p = append(p, vendor...)
	p = append(p, 0, 0, 0, 0) // zero user comments
	return p
}

// oggCRC32Table is the CRC-32 lookup table for polynomial 0x04c11db7, as
// used by the Ogg container format (not the same polynomial as
// hash/crc32's IEEE table).
var oggCRC32Table = func() [256]uint32 {
	const poly = 0x04c11db7
	var table [256]uint32
	for i := range table {
		crc := uint32(i) << 24
		for bit := 0; bit < 8; bit++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}()

func oggCRC32(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = (crc << 8) ^ oggCRC32Table[byte(crc>>24)^b]
	}
	return crc
}
