package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// Buffer is a growable byte buffer with a read cursor, used to build and
// parse packet payloads. Strings, byte slices and objects are prefixed with
// their varint length.
//
// A Buffer is not safe for concurrent use.
type Buffer struct {
	data []byte
	off  int
	ser  Serializer
}

// NewBuffer returns an empty buffer using ser for objects (JSON if nil).
func NewBuffer(ser Serializer) *Buffer {
	if ser == nil {
		ser = DefaultSerializer
	}
	return &Buffer{ser: ser}
}

// WrapBuffer returns a buffer reading data from the start. data is not copied.
func WrapBuffer(data []byte, ser Serializer) *Buffer {
	b := NewBuffer(ser)
	b.data = data
	return b
}

// Bytes returns the written bytes. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.data) - b.off
}

// Remaining returns the unread bytes without consuming them.
func (b *Buffer) Remaining() []byte {
	return b.data[b.off:]
}

// WriteVarInt appends a varint.
func (b *Buffer) WriteVarInt(v int32) *Buffer {
	b.data = WriteVarInt(b.data, v)
	return b
}

// WriteInt64 appends a big-endian 64-bit integer.
func (b *Buffer) WriteInt64(v int64) *Buffer {
	b.data = binary.BigEndian.AppendUint64(b.data, uint64(v))
	return b
}

// WriteBool appends one byte, 1 for true.
func (b *Buffer) WriteBool(v bool) *Buffer {
	if v {
		b.data = append(b.data, 1)
	} else {
		b.data = append(b.data, 0)
	}
	return b
}

// WriteBytes appends a length-prefixed byte slice.
func (b *Buffer) WriteBytes(p []byte) *Buffer {
	b.data = WriteVarInt(b.data, int32(len(p)))
	b.data = append(b.data, p...)
	return b
}

// WriteString appends a length-prefixed UTF-8 string.
func (b *Buffer) WriteString(s string) *Buffer {
	b.data = WriteVarInt(b.data, int32(len(s)))
	b.data = append(b.data, s...)
	return b
}

// WriteObject serializes v and appends it as a byte slice.
func (b *Buffer) WriteObject(v any) error {
	data, err := b.ser.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize %T: %w", v, err)
	}
	b.WriteBytes(data)
	return nil
}

// ReadVarInt reads a varint.
func (b *Buffer) ReadVarInt() (int32, error) {
	v, n, err := ReadVarInt(b.data[b.off:])
	if err != nil {
		return 0, err
	}
	b.off += n
	return v, nil
}

// ReadInt64 reads a big-endian 64-bit integer.
func (b *Buffer) ReadInt64() (int64, error) {
	p, err := b.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

// ReadBool reads one byte.
func (b *Buffer) ReadBool() (bool, error) {
	p, err := b.next(1)
	if err != nil {
		return false, err
	}
	return p[0] != 0, nil
}

// ReadBytes reads a length-prefixed byte slice. The result is a copy.
func (b *Buffer) ReadBytes() ([]byte, error) {
	n, err := b.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, domain.ErrMalformedFrame.WithDetailsf("negative length %d", n)
	}
	p, err := b.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

// ReadString reads a length-prefixed string.
func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadVarInt()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", domain.ErrMalformedFrame.WithDetailsf("negative length %d", n)
	}
	p, err := b.next(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadObject reads a byte slice and deserializes it into v.
func (b *Buffer) ReadObject(v any) error {
	data, err := b.ReadBytes()
	if err != nil {
		return err
	}
	if err := b.ser.Unmarshal(data, v); err != nil {
		return fmt.Errorf("deserialize %T: %w", v, err)
	}
	return nil
}

func (b *Buffer) next(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, domain.ErrMalformedFrame.WithDetailsf("need %d bytes, have %d", n, b.Len())
	}
	p := b.data[b.off : b.off+n]
	b.off += n
	return p, nil
}
