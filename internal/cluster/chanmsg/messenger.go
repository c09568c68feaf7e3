package chanmsg

import (
	"fmt"
	"log/slog"

	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network"
)

// Peers resolves connected nodes to their channels.
type Peers interface {
	NodeIDs() []string
	Channel(nodeID string) (network.Channel, bool)
}

// ReceiveEvent is published for every message received from another node.
type ReceiveEvent struct {
	Message *Message
	Channel network.Channel
}

// Options configures a Messenger.
type Options struct {
	// LocalNode is stamped as sender on outgoing messages.
	LocalNode string
	Peers     Peers
	Bus       *eventbus.Bus
	Logger    *slog.Logger
}

// Messenger sends channel messages to other nodes and publishes received
// ones as ReceiveEvent. Messages are never delivered to the local node and
// are not stored for nodes that are offline.
type Messenger struct {
	local  string
	peers  Peers
	bus    *eventbus.Bus
	logger *slog.Logger
}

// NewMessenger creates a messenger.
func NewMessenger(opts Options) *Messenger {
	if opts.Bus == nil {
		opts.Bus = eventbus.New(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Messenger{
		local:  opts.LocalNode,
		peers:  opts.Peers,
		bus:    opts.Bus,
		logger: opts.Logger.With("component", "channel-message"),
	}
}

// Bind registers the receive listener on reg.
func (m *Messenger) Bind(reg *network.ListenerRegistry) {
	reg.AddListener(network.ChannelMessage, network.PacketListenerFunc(m.handlePacket))
}

// Send delivers msg to the connected nodes its targets select and returns
// how many nodes it was sent to. A message without targets goes to every
// node.
func (m *Messenger) Send(msg Message) int {
	msg.Sender = m.local
	if len(msg.Targets) == 0 {
		msg.Targets = []Target{AllNodes()}
	}

	receivers := m.resolve(msg.Targets)
	if len(receivers) == 0 {
		m.logger.Debug("no receivers for channel message", "channel", msg.Channel, "message", msg.Message)
		return 0
	}

	payload := msg.encode()
	for _, ch := range receivers {
		ch.SendPacket(network.NewPacket(network.ChannelMessage, payload))
	}
	return len(receivers)
}

// Subscribe calls fn for received messages on channel.
func (m *Messenger) Subscribe(channel string, fn func(ev *ReceiveEvent)) eventbus.Subscription {
	return eventbus.Subscribe(m.bus, func(ev *ReceiveEvent) {
		if ev.Message.Channel == channel {
			fn(ev)
		}
	})
}

func (m *Messenger) resolve(targets []Target) []network.Channel {
	if m.peers == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var out []network.Channel
	add := func(id string) {
		if id == m.local {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		if ch, ok := m.peers.Channel(id); ok {
			seen[id] = struct{}{}
			out = append(out, ch)
		}
	}

	for _, t := range targets {
		switch t.Type {
		case TargetAll:
			for _, id := range m.peers.NodeIDs() {
				add(id)
			}
		case TargetNode:
			add(t.Name)
		default:
			m.logger.Warn("ignoring unsupported message target", "type", t.Type.String())
		}
	}
	return out
}

func (m *Messenger) handlePacket(ch network.Channel, p *network.Packet) error {
	msg, err := decodeMessage(p.Payload())
	if err != nil {
		return fmt.Errorf("decode channel message: %w", err)
	}
	eventbus.Publish(m.bus, ReceiveEvent{Message: msg, Channel: ch})
	return nil
}
