package codec

import (
	"errors"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// MaxVarIntSize is the longest encoding of a 32-bit varint.
const MaxVarIntSize = 5

// errShortVarInt signals a varint whose final byte has not arrived yet.
// Streaming decoders wait on it; everything else reports ErrMalformedFrame.
var errShortVarInt = errors.New("codec: varint incomplete")

// WriteVarInt appends v using 7 bits per byte with the high bit as the
// continuation flag. Negative values are written as their unsigned 32-bit
// two's complement and always take five bytes.
func WriteVarInt(buf []byte, v int32) []byte {
	return protowire.AppendVarint(buf, uint64(uint32(v)))
}

// VarIntSize returns the number of bytes WriteVarInt uses for v.
func VarIntSize(v int32) int {
	return protowire.SizeVarint(uint64(uint32(v)))
}

// ReadVarInt decodes a varint from the start of buf and returns the value and
// the number of bytes consumed.
func ReadVarInt(buf []byte) (int32, int, error) {
	v, n, err := consumeVarInt(buf)
	if errors.Is(err, errShortVarInt) {
		return 0, 0, domain.ErrMalformedFrame.WithDetails("truncated varint")
	}
	return v, n, err
}

func consumeVarInt(buf []byte) (int32, int, error) {
	window := buf
	if len(window) > MaxVarIntSize {
		window = window[:MaxVarIntSize]
	}

	v, n := protowire.ConsumeVarint(window)
	if n < 0 {
		if len(window) < MaxVarIntSize && errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
			return 0, 0, errShortVarInt
		}
		return 0, 0, domain.ErrMalformedFrame.WithDetails("varint longer than 5 bytes")
	}
	if v > math.MaxUint32 {
		return 0, 0, domain.ErrMalformedFrame.WithDetails("varint overflows 32 bits")
	}
	return int32(uint32(v)), n, nil
}
