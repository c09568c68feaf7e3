package codec

import (
	"errors"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// DefaultMaxFrameLength bounds a single frame payload (16 MiB).
const DefaultMaxFrameLength = 16 << 20

// AppendFrame appends [varint len(payload)][payload] to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = WriteVarInt(dst, int32(len(payload)))
	return append(dst, payload...)
}

// FrameSize returns the encoded size of a frame carrying n payload bytes.
func FrameSize(n int) int {
	return VarIntSize(int32(n)) + n
}

// FrameDecoder splits a byte stream into frames. It buffers partial input
// and never yields a frame before all of its bytes have arrived.
//
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	maxLength int
	buf       []byte
}

// NewFrameDecoder creates a decoder rejecting frames above maxLength bytes.
// A non-positive maxLength selects DefaultMaxFrameLength.
func NewFrameDecoder(maxLength int) *FrameDecoder {
	if maxLength <= 0 {
		maxLength = DefaultMaxFrameLength
	}
	return &FrameDecoder{maxLength: maxLength}
}

// Feed appends p to the internal buffer and returns every frame that is now
// complete. Returned frames do not alias p or the decoder's buffer.
// After an error the decoder must be discarded.
func (d *FrameDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	offset := 0
	for offset < len(d.buf) {
		length, n, err := consumeVarInt(d.buf[offset:])
		if errors.Is(err, errShortVarInt) {
			break
		}
		if err != nil {
			return frames, err
		}
		if length < 0 || int(length) > d.maxLength {
			return frames, domain.ErrMalformedFrame.WithDetailsf("frame length %d outside [0, %d]", length, d.maxLength)
		}

		end := offset + n + int(length)
		if end > len(d.buf) {
			break
		}

		frame := make([]byte, length)
		copy(frame, d.buf[offset+n:end])
		frames = append(frames, frame)
		offset = end
	}

	d.compact(offset)
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

func (d *FrameDecoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:remaining]
	if remaining == 0 && cap(d.buf) > 64<<10 {
		d.buf = nil
	}
}
