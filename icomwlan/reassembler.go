package icomwlan

// civNoiseThreshold is the buffer size past which unframed bytes ahead
// of the first FE FE pair are discarded, per spec.md §4.6 step 1.
const civNoiseThreshold = 1024

// CivReassembler reassembles CI-V frames (FE FE ... FD) from a stream
// of CI-V payload bytes. The UDP transport may deliver zero, one, or
// several frames per packet, and a frame may split across packets; the
// reassembler buffers across calls to handle both.
type CivReassembler struct {
	buf []byte
}

// NewCivReassembler returns an empty reassembler.
func NewCivReassembler() *CivReassembler {
	return &CivReassembler{}
}

// Feed appends b to the internal buffer and returns every complete
// frame (inclusive FE FE ... FD) that can now be extracted, in the
// order they appear on the wire.
func (r *CivReassembler) Feed(b []byte) [][]byte {
	r.buf = append(r.buf, b...)

	var frames [][]byte
	for {
		start := indexFEFE(r.buf)
		if start < 0 {
			if len(r.buf) > civNoiseThreshold {
				// Retain only the last byte: it might be the first
				// half of a split FE FE pair.
				r.buf = r.buf[len(r.buf)-1:]
			}
			return frames
		}
		if start > 0 {
			// Drop noise preceding the frame start.
			r.buf = r.buf[start:]
		}

		end := indexByte(r.buf[2:], 0xFD)
		if end < 0 {
			// Incomplete frame: wait for more bytes.
			return frames
		}
		end += 2 // account for the 2-byte offset into r.buf[2:]

		frame := make([]byte, end+1)
		copy(frame, r.buf[:end+1])
		frames = append(frames, frame)
		r.buf = r.buf[end+1:]
	}
}

func indexFEFE(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0xFE && b[i+1] == 0xFE {
			return i
		}
	}
	return -1
}

func indexByte(b []byte, v byte) int {
	for i, c := range b {
		if c == v {
			return i
		}
	}
	return -1
}
