package network

import (
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
)

// ChannelHandler receives the lifecycle callbacks of the channels it was
// given to. HandlePacketReceive runs on the channel's read goroutine; the
// other callbacks run on whichever goroutine observed the state change.
type ChannelHandler interface {
	// HandleChannelInitialize runs once before any packet is read. Returning
	// an error closes the channel without an inactive callback.
	HandleChannelInitialize(ch Channel) error

	// HandlePacketReceive runs for every inbound packet before listener
	// dispatch. Returning false skips the listener registries.
	HandlePacketReceive(ch Channel, p *Packet) bool

	// HandleChannelInactive runs exactly once after an initialized channel
	// closed.
	HandleChannelInactive(ch Channel)

	// HandleException reports transport and decode failures. The channel is
	// closed right after.
	HandleException(ch Channel, err error)
}

// ChannelHandlerFuncs implements ChannelHandler with optional callbacks.
type ChannelHandlerFuncs struct {
	OnInitialize func(ch Channel) error
	OnReceive    func(ch Channel, p *Packet) bool
	OnInactive   func(ch Channel)
	OnException  func(ch Channel, err error)
}

// HandleChannelInitialize implements ChannelHandler.
func (h ChannelHandlerFuncs) HandleChannelInitialize(ch Channel) error {
	if h.OnInitialize == nil {
		return nil
	}
	return h.OnInitialize(ch)
}

// HandlePacketReceive implements ChannelHandler.
func (h ChannelHandlerFuncs) HandlePacketReceive(ch Channel, p *Packet) bool {
	if h.OnReceive == nil {
		return true
	}
	return h.OnReceive(ch, p)
}

// HandleChannelInactive implements ChannelHandler.
func (h ChannelHandlerFuncs) HandleChannelInactive(ch Channel) {
	if h.OnInactive != nil {
		h.OnInactive(ch)
	}
}

// HandleException implements ChannelHandler.
func (h ChannelHandlerFuncs) HandleException(ch Channel, err error) {
	if h.OnException != nil {
		h.OnException(ch, err)
	}
}

// PacketSendEvent is published before a packet is written. Cancelling it
// drops the packet silently.
type PacketSendEvent struct {
	eventbus.Cancellation
	Channel Channel
	Packet  *Packet
}

// Metrics receives channel traffic counters.
type Metrics interface {
	PacketSent(channelID int32, bytes int)
	PacketReceived(channelID int32, bytes int)
	PacketCancelled(channelID int32)
	ChannelOpened(clientProvided bool)
	ChannelClosed(clientProvided bool)
}

type nopMetrics struct{}

func (nopMetrics) PacketSent(int32, int)     {}
func (nopMetrics) PacketReceived(int32, int) {}
func (nopMetrics) PacketCancelled(int32)     {}
func (nopMetrics) ChannelOpened(bool)        {}
func (nopMetrics) ChannelClosed(bool)        {}
