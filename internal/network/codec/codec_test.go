package codec

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

func TestVarInt_RoundTrip(t *testing.T) {
	values := []int32{0, -1, 1, 127, 128, 300, 16383, 16384, math.MinInt32, math.MaxInt32}
	for i := 0; i < 30; i++ {
		values = append(values, rand.Int32()-rand.Int32())
	}

	for _, v := range values {
		buf := WriteVarInt(nil, v)
		if len(buf) != VarIntSize(v) {
			t.Errorf("VarIntSize(%d) = %d, encoded %d bytes", v, VarIntSize(v), len(buf))
		}
		if len(buf) > MaxVarIntSize {
			t.Errorf("WriteVarInt(%d) used %d bytes", v, len(buf))
		}

		got, n, err := ReadVarInt(buf)
		if err != nil {
			t.Fatalf("ReadVarInt(%d) error = %v", v, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("ReadVarInt() = (%d, %d), want (%d, %d)", got, n, v, len(buf))
		}
	}
}

func TestVarInt_Encoding(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{300, []byte{0xac, 0x02}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}
	for _, tt := range tests {
		if got := WriteVarInt(nil, tt.v); !bytes.Equal(got, tt.want) {
			t.Errorf("WriteVarInt(%d) = %x, want %x", tt.v, got, tt.want)
		}
	}
}

func TestVarInt_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"truncated", []byte{0x80, 0x80}},
		{"too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}},
		{"overflows 32 bits", []byte{0xff, 0xff, 0xff, 0xff, 0x7f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadVarInt(tt.input)
			if !errors.Is(err, domain.ErrMalformedFrame) {
				t.Errorf("ReadVarInt(%x) error = %v, want ErrMalformedFrame", tt.input, err)
			}
		})
	}
}

func TestFrameDecoder_ByteByByte(t *testing.T) {
	payload := bytes.Repeat([]byte("cloudnet"), 40) // 320 bytes, two-byte length prefix
	stream := AppendFrame(nil, payload)

	d := NewFrameDecoder(0)
	for i, b := range stream {
		frames, err := d.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed() byte %d error = %v", i, err)
		}
		if i < len(stream)-1 {
			if len(frames) != 0 {
				t.Fatalf("Feed() yielded a frame after %d of %d bytes", i+1, len(stream))
			}
			continue
		}
		if len(frames) != 1 {
			t.Fatalf("Feed() yielded %d frames on the final byte, want 1", len(frames))
		}
		if !bytes.Equal(frames[0], payload) {
			t.Error("decoded payload differs from the original")
		}
	}
	if d.Buffered() != 0 {
		t.Errorf("Buffered() = %d after a complete frame", d.Buffered())
	}
}

func TestFrameDecoder_MultipleFramesInOneChunk(t *testing.T) {
	var stream []byte
	stream = AppendFrame(stream, []byte("a"))
	stream = AppendFrame(stream, []byte{})
	stream = AppendFrame(stream, []byte("bcd"))
	stream = append(stream, AppendFrame(nil, []byte("partial"))[:3]...)

	d := NewFrameDecoder(0)
	frames, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if string(frames[0]) != "a" || len(frames[1]) != 0 || string(frames[2]) != "bcd" {
		t.Errorf("frames = %q", frames)
	}
	if d.Buffered() != 3 {
		t.Errorf("Buffered() = %d, want 3", d.Buffered())
	}
}

func TestFrameDecoder_RejectsOversizedFrame(t *testing.T) {
	d := NewFrameDecoder(8)
	_, err := d.Feed(AppendFrame(nil, make([]byte, 9)))
	if !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("Feed() error = %v, want ErrMalformedFrame", err)
	}

	d = NewFrameDecoder(0)
	_, err = d.Feed(WriteVarInt(nil, -5))
	if !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("negative length error = %v, want ErrMalformedFrame", err)
	}
}

func TestBuffer_Primitives(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	w := NewBuffer(nil)
	w.WriteVarInt(-42).WriteInt64(math.MinInt64).WriteBool(true).WriteString("Lobby").WriteBytes([]byte{1, 2, 3})
	if err := w.WriteObject(record{Name: "x", Count: 2}); err != nil {
		t.Fatalf("WriteObject() error = %v", err)
	}

	r := WrapBuffer(w.Bytes(), nil)
	if v, err := r.ReadVarInt(); err != nil || v != -42 {
		t.Errorf("ReadVarInt() = %d, %v", v, err)
	}
	if v, err := r.ReadInt64(); err != nil || v != math.MinInt64 {
		t.Errorf("ReadInt64() = %d, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool() = %v, %v", v, err)
	}
	if v, err := r.ReadString(); err != nil || v != "Lobby" {
		t.Errorf("ReadString() = %q, %v", v, err)
	}
	if v, err := r.ReadBytes(); err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("ReadBytes() = %v, %v", v, err)
	}
	var rec record
	if err := r.ReadObject(&rec); err != nil || rec.Name != "x" || rec.Count != 2 {
		t.Errorf("ReadObject() = %+v, %v", rec, err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after reading everything", r.Len())
	}
}

func TestBuffer_ShortRead(t *testing.T) {
	w := NewBuffer(nil).WriteString("truncated")
	r := WrapBuffer(w.Bytes()[:4], nil)
	if _, err := r.ReadString(); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("ReadString() error = %v, want ErrMalformedFrame", err)
	}
	if _, err := WrapBuffer(nil, nil).ReadInt64(); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("ReadInt64() error = %v, want ErrMalformedFrame", err)
	}
}
