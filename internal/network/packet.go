package network

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

// Reserved packet channel ids. Extensions must use ids at or above
// FirstExtensionChannel.
const (
	ChannelHandshake   int32 = 1
	ChannelRPCRequest  int32 = 2
	ChannelRPCResponse int32 = 3
	ChannelSyncFull    int32 = 4
	ChannelSyncDelta   int32 = 5
	ChannelMessage     int32 = 6

	FirstExtensionChannel int32 = 32
)

// ReserveChannel rejects extension ids that collide with the reserved range.
func ReserveChannel(id int32) error {
	if id < FirstExtensionChannel {
		return domain.ErrReservedChannel.WithDetailsf("id %d is below %d", id, FirstExtensionChannel)
	}
	return nil
}

// Packet is the unit exchanged over a channel. Packets are immutable once
// built; the payload slice must not be modified after construction.
type Packet struct {
	channel  int32
	uniqueID ulid.ULID
	hasID    bool
	payload  []byte
}

// NewPacket builds a fire-and-forget packet.
func NewPacket(channel int32, payload []byte) *Packet {
	return &Packet{channel: channel, payload: payload}
}

// NewQueryPacket builds a packet carrying a correlation id.
func NewQueryPacket(channel int32, id ulid.ULID, payload []byte) *Packet {
	return &Packet{channel: channel, uniqueID: id, hasID: true, payload: payload}
}

// Channel returns the id selecting the listener family.
func (p *Packet) Channel() int32 {
	return p.channel
}

// UniqueID returns the correlation id and whether the packet has one.
func (p *Packet) UniqueID() (ulid.ULID, bool) {
	return p.uniqueID, p.hasID
}

// Payload returns the packet body. Callers must treat it as read-only.
func (p *Packet) Payload() []byte {
	return p.payload
}

// Len returns the encoded size of the packet without frame header.
func (p *Packet) Len() int {
	n := codec.VarIntSize(p.channel) + 1 + len(p.payload)
	if p.hasID {
		n += len(p.uniqueID)
	}
	return n
}

// AppendEncoded appends the packet body:
//
//	[varint channel][bool hasID][16 byte id if hasID][payload...]
func (p *Packet) AppendEncoded(dst []byte) []byte {
	dst = codec.WriteVarInt(dst, p.channel)
	if p.hasID {
		dst = append(dst, 1)
		dst = append(dst, p.uniqueID[:]...)
	} else {
		dst = append(dst, 0)
	}
	return append(dst, p.payload...)
}

// DecodePacket parses a frame produced by AppendEncoded.
func DecodePacket(frame []byte) (*Packet, error) {
	channel, n, err := codec.ReadVarInt(frame)
	if err != nil {
		return nil, err
	}
	rest := frame[n:]
	if len(rest) < 1 {
		return nil, domain.ErrMalformedFrame.WithDetails("missing id flag")
	}

	p := &Packet{channel: channel}
	flag := rest[0]
	rest = rest[1:]
	switch flag {
	case 0:
	case 1:
		if len(rest) < len(p.uniqueID) {
			return nil, domain.ErrMalformedFrame.WithDetails("truncated unique id")
		}
		copy(p.uniqueID[:], rest)
		p.hasID = true
		rest = rest[len(p.uniqueID):]
	default:
		return nil, domain.ErrMalformedFrame.WithDetailsf("invalid id flag %d", flag)
	}
	p.payload = rest
	return p, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewUniqueID returns a fresh, monotonically increasing ULID.
func NewUniqueID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
