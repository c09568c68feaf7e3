package chanmsg

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network"
)

type staticPeers map[string]network.Channel

func (p staticPeers) NodeIDs() []string {
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	return ids
}

func (p staticPeers) Channel(id string) (network.Channel, bool) {
	ch, ok := p[id]
	return ch, ok
}

func pipe(t *testing.T, remote *network.ListenerRegistry) network.Channel {
	t.Helper()
	a, b := net.Pipe()
	local, err := network.NewChannel(a, false, network.Options{})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	peer, err := network.NewChannel(b, true, network.Options{Registry: remote})
	if err != nil {
		t.Fatalf("NewChannel failed: %v", err)
	}
	t.Cleanup(func() {
		_ = local.Close()
		_ = peer.Close()
	})
	return local
}

func TestMessenger_SendAndReceive(t *testing.T) {
	remoteBus := eventbus.New(nil)
	remote := NewMessenger(Options{LocalNode: "Node-2", Bus: remoteBus})
	remoteReg := network.NewListenerRegistry(nil, nil)
	remote.Bind(remoteReg)

	got := make(chan *ReceiveEvent, 4)
	remote.Subscribe("cloudnet:test", func(ev *ReceiveEvent) { got <- ev })
	other := make(chan *ReceiveEvent, 4)
	remote.Subscribe("cloudnet:other", func(ev *ReceiveEvent) { other <- ev })

	local := NewMessenger(Options{
		LocalNode: "Node-1",
		Peers:     staticPeers{"Node-2": pipe(t, remoteReg)},
	})

	n := local.Send(Message{Channel: "cloudnet:test", Message: "ping", Payload: []byte("data")})
	if n != 1 {
		t.Fatalf("Send reached %d nodes, want 1", n)
	}

	select {
	case ev := <-got:
		if ev.Message.Sender != "Node-1" || ev.Message.Message != "ping" || string(ev.Message.Payload) != "data" {
			t.Errorf("received %+v", ev.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
	select {
	case ev := <-other:
		t.Errorf("message delivered to the wrong channel subscriber: %+v", ev.Message)
	default:
	}
}

func TestMessenger_Targets(t *testing.T) {
	reg := network.NewListenerRegistry(nil, nil)
	peers := staticPeers{"Node-2": pipe(t, reg), "Node-3": pipe(t, reg)}
	m := NewMessenger(Options{LocalNode: "Node-1", Peers: peers})

	tests := []struct {
		name    string
		targets []Target
		want    int
	}{
		{"default is all", nil, 2},
		{"all", []Target{AllNodes()}, 2},
		{"one node", []Target{Node("Node-3")}, 1},
		{"local node is skipped", []Target{Node("Node-1")}, 0},
		{"offline node", []Target{Node("Node-9")}, 0},
		{"duplicates collapse", []Target{Node("Node-2"), AllNodes()}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Send(Message{Channel: "c", Message: "m", Targets: tt.targets}); got != tt.want {
				t.Errorf("Send reached %d nodes, want %d", got, tt.want)
			}
		})
	}
}

func TestMessage_EncodeDecode(t *testing.T) {
	msg := &Message{
		Sender:  "Node-1",
		Channel: "cloudnet:internal",
		Message: "add_service_task",
		Payload: []byte(`{"name":"Lobby"}`),
		Targets: []Target{AllNodes(), Node("Node-2")},
	}

	enc := msg.encode()
	got, err := decodeMessage(enc)
	if err != nil {
		t.Fatalf("decodeMessage failed: %v", err)
	}
	if got.Sender != msg.Sender || got.Channel != msg.Channel || got.Message != msg.Message ||
		string(got.Payload) != string(msg.Payload) || len(got.Targets) != 2 || got.Targets[1] != msg.Targets[1] {
		t.Errorf("decoded %+v, want %+v", got, msg)
	}

	if _, err := decodeMessage(enc[:len(enc)-3]); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Errorf("truncated message: error = %v, want ErrMalformedFrame", err)
	}
}
