package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network/codec"
)

const testChannelID int32 = 40

// acceptCapture forwards every accepted channel to a chan.
type acceptCapture struct {
	ChannelHandler
	accepted chan Channel
}

func (a acceptCapture) HandleChannelInitialize(ch Channel) error {
	if err := a.ChannelHandler.HandleChannelInitialize(ch); err != nil {
		return err
	}
	a.accepted <- ch
	return nil
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, domain.HostAndPort, chan Channel) {
	t.Helper()

	accepted := make(chan Channel, 4)
	if cfg.Channel.Handler == nil {
		cfg.Channel.Handler = ChannelHandlerFuncs{}
	}
	cfg.Channel.Handler = acceptCapture{ChannelHandler: cfg.Channel.Handler, accepted: accepted}

	srv := NewServer(cfg)
	addr, err := srv.Listen(context.Background(), domain.HostAndPort{Host: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, addr, accepted
}

func newPair(t *testing.T, srvOpts, cliOpts Options) (Channel, Channel) {
	t.Helper()

	_, addr, accepted := startServer(t, ServerConfig{Channel: srvOpts})
	cli, err := Dial(context.Background(), addr, cliOpts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })

	select {
	case srv := <-accepted:
		return srv, cli
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accepted channel")
	}
	return nil, nil
}

func collect(reg *ListenerRegistry, id int32) chan *Packet {
	got := make(chan *Packet, 16)
	reg.AddListener(id, PacketListenerFunc(func(_ Channel, p *Packet) error {
		got <- p
		return nil
	}))
	return got
}

func waitPacket(t *testing.T, got chan *Packet) *Packet {
	t.Helper()
	select {
	case p := <-got:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for packet")
	}
	return nil
}

func TestChannel_SendReceive(t *testing.T) {
	srv, cli := newPair(t, Options{}, Options{})

	if !srv.ClientProvided() {
		t.Error("accepted channel should be client provided")
	}
	if cli.ClientProvided() {
		t.Error("dialed channel should not be client provided")
	}
	if !cli.ServerAddress().Equal(srv.ServerAddress()) {
		t.Errorf("server address mismatch: %s vs %s", cli.ServerAddress(), srv.ServerAddress())
	}

	got := collect(srv.Registry(), testChannelID)
	id := NewUniqueID()
	cli.SendPacket(NewPacket(testChannelID, []byte("hello")), NewQueryPacket(testChannelID, id, []byte("query")))

	p := waitPacket(t, got)
	if string(p.Payload()) != "hello" {
		t.Errorf("payload = %q, want hello", p.Payload())
	}
	if _, ok := p.UniqueID(); ok {
		t.Error("plain packet should carry no unique id")
	}

	q := waitPacket(t, got)
	qid, ok := q.UniqueID()
	if !ok || qid != id {
		t.Errorf("unique id = %v/%v, want %v", qid, ok, id)
	}
}

func TestChannel_SendPacketSync(t *testing.T) {
	srv, cli := newPair(t, Options{}, Options{})
	got := collect(cli.Registry(), testChannelID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.SendPacketSync(ctx, NewPacket(testChannelID, []byte("sync"))); err != nil {
		t.Fatalf("SendPacketSync failed: %v", err)
	}
	if p := waitPacket(t, got); string(p.Payload()) != "sync" {
		t.Errorf("payload = %q", p.Payload())
	}
}

func TestChannel_SendFromListenerDoesNotDeadlock(t *testing.T) {
	srv, cli := newPair(t, Options{}, Options{})

	srv.Registry().AddListener(testChannelID, PacketListenerFunc(func(ch Channel, p *Packet) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ch.SendPacketSync(ctx, NewPacket(testChannelID+1, p.Payload()))
	}))
	got := collect(cli.Registry(), testChannelID+1)

	cli.SendPacket(NewPacket(testChannelID, []byte("echo")))
	if p := waitPacket(t, got); string(p.Payload()) != "echo" {
		t.Errorf("payload = %q", p.Payload())
	}
}

func TestChannel_SendCancelled(t *testing.T) {
	bus := eventbus.New(nil)
	eventbus.Subscribe(bus, func(e *PacketSendEvent) {
		if e.Packet.Channel() == testChannelID {
			e.Cancel()
		}
	})

	srv, cli := newPair(t, Options{}, Options{Bus: bus})
	got := collect(srv.Registry(), testChannelID)
	other := collect(srv.Registry(), testChannelID+1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.SendPacketSync(ctx, NewPacket(testChannelID, []byte("dropped"))); err != nil {
		t.Fatalf("cancelled send should not fail: %v", err)
	}
	cli.SendPacket(NewPacket(testChannelID+1, []byte("kept")))

	if p := waitPacket(t, other); string(p.Payload()) != "kept" {
		t.Errorf("payload = %q", p.Payload())
	}
	select {
	case p := <-got:
		t.Errorf("cancelled packet was delivered: %q", p.Payload())
	default:
	}
	if !cli.Active() || !cli.Writeable() {
		t.Error("cancelling a send must not change channel state")
	}
}

func TestChannel_PrivateListenersRunFirst(t *testing.T) {
	defaults := NewListenerRegistry(nil, nil)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	defaults.AddListener(testChannelID, PacketListenerFunc(func(Channel, *Packet) error {
		mu.Lock()
		order = append(order, "default")
		mu.Unlock()
		close(done)
		return nil
	}))

	srv, cli := newPair(t, Options{Registry: defaults}, Options{})
	srv.Registry().AddListener(testChannelID, PacketListenerFunc(func(Channel, *Packet) error {
		mu.Lock()
		order = append(order, "private")
		mu.Unlock()
		return nil
	}))

	cli.SendPacket(NewPacket(testChannelID, nil))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for default listener")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "private" || order[1] != "default" {
		t.Errorf("order = %v, want [private default]", order)
	}
}

func TestChannel_FailingListenerDoesNotStopOthers(t *testing.T) {
	srv, cli := newPair(t, Options{}, Options{})

	srv.Registry().AddListener(testChannelID,
		PacketListenerFunc(func(Channel, *Packet) error { panic("boom") }),
		PacketListenerFunc(func(Channel, *Packet) error { return errors.New("failed") }),
	)
	got := collect(srv.Registry(), testChannelID)

	cli.SendPacket(NewPacket(testChannelID, []byte("a")))
	waitPacket(t, got)

	cli.SendPacket(NewPacket(testChannelID, []byte("b")))
	if p := waitPacket(t, got); string(p.Payload()) != "b" {
		t.Errorf("payload = %q", p.Payload())
	}
	if !srv.Active() {
		t.Error("listener failures must not close the channel")
	}
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	var inactive atomic.Int32
	srv, cli := newPair(t, Options{}, Options{
		Handler: ChannelHandlerFuncs{OnInactive: func(Channel) { inactive.Add(1) }},
	})

	if err := cli.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cli.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if cli.Active() || cli.Writeable() {
		t.Error("closed channel must be inactive and not writeable")
	}
	if got := inactive.Load(); got != 1 {
		t.Errorf("inactive callbacks = %d, want 1", got)
	}

	err := cli.SendPacketSync(context.Background(), NewPacket(testChannelID, nil))
	if !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("send on closed channel = %v, want ErrChannelClosed", err)
	}
	cli.SendPacket(NewPacket(testChannelID, nil))

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not observe close")
	}
}

func TestChannel_MalformedFrameClosesChannel(t *testing.T) {
	var failures atomic.Int32
	_, addr, accepted := startServer(t, ServerConfig{Channel: Options{
		Handler: ChannelHandlerFuncs{OnException: func(Channel, error) { failures.Add(1) }},
	}})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var srv Channel
	select {
	case srv = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accepted channel")
	}

	// channel 40, invalid id flag 7
	body := append(codec.WriteVarInt(nil, testChannelID), 7)
	if _, err := conn.Write(codec.AppendFrame(nil, body)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("malformed frame did not close the channel")
	}
	if failures.Load() != 1 {
		t.Errorf("exception callbacks = %d, want 1", failures.Load())
	}
}

func TestServer_AllowRejects(t *testing.T) {
	_, addr, accepted := startServer(t, ServerConfig{
		Allow: func(domain.HostAndPort) bool { return false },
	})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("rejected connection should be closed by the server")
	}
	select {
	case <-accepted:
		t.Error("rejected connection produced a channel")
	default:
	}
}

func TestServer_ShutdownClosesChannels(t *testing.T) {
	srv, addr, accepted := startServer(t, ServerConfig{})
	cli, err := Dial(context.Background(), addr, Options{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer cli.Close()
	ch := <-accepted

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if ch.Active() {
		t.Error("accepted channel still active after shutdown")
	}
	if _, err := srv.Listen(ctx, addr); err == nil {
		t.Error("Listen after Shutdown should fail")
	}
}

func TestPacket_EncodeDecode(t *testing.T) {
	id := NewUniqueID()
	tests := []struct {
		name string
		p    *Packet
	}{
		{"plain", NewPacket(ChannelMessage, []byte("payload"))},
		{"query", NewQueryPacket(ChannelRPCRequest, id, []byte{1, 2, 3})},
		{"empty", NewPacket(FirstExtensionChannel+300, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := tt.p.AppendEncoded(nil)
			if len(enc) != tt.p.Len() {
				t.Errorf("encoded length = %d, Len() = %d", len(enc), tt.p.Len())
			}
			got, err := DecodePacket(enc)
			if err != nil {
				t.Fatalf("DecodePacket failed: %v", err)
			}
			if got.Channel() != tt.p.Channel() || string(got.Payload()) != string(tt.p.Payload()) {
				t.Errorf("decoded %d/%q, want %d/%q", got.Channel(), got.Payload(), tt.p.Channel(), tt.p.Payload())
			}
			gid, gok := got.UniqueID()
			wid, wok := tt.p.UniqueID()
			if gid != wid || gok != wok {
				t.Errorf("unique id = %v/%v, want %v/%v", gid, gok, wid, wok)
			}
		})
	}
}

func TestDecodePacket_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"missing flag", []byte{40}},
		{"bad flag", []byte{40, 2}},
		{"short id", []byte{40, 1, 0xAA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePacket(tt.frame); !errors.Is(err, domain.ErrMalformedFrame) {
				t.Errorf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestReserveChannel(t *testing.T) {
	if err := ReserveChannel(ChannelMessage); !errors.Is(err, domain.ErrReservedChannel) {
		t.Errorf("reserved id accepted: %v", err)
	}
	if err := ReserveChannel(FirstExtensionChannel); err != nil {
		t.Errorf("first extension id rejected: %v", err)
	}
}

func TestListenerRegistry_RemoveListener(t *testing.T) {
	reg := NewListenerRegistry(nil, nil)
	var calls atomic.Int32
	l := &countingListener{calls: &calls}

	reg.AddListener(testChannelID, l, l)
	if n := reg.HandlePacket(nil, NewPacket(testChannelID, nil)); n != 2 {
		t.Errorf("handled = %d, want 2", n)
	}

	reg.RemoveListener(testChannelID, l)
	if reg.HasListeners(testChannelID) {
		t.Error("listener still registered")
	}
	if n := reg.HandlePacket(nil, NewPacket(testChannelID, nil)); n != 0 {
		t.Errorf("handled = %d after removal", n)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

type countingListener struct {
	calls *atomic.Int32
}

func (c *countingListener) HandlePacket(Channel, *Packet) error {
	c.calls.Add(1)
	return nil
}

func TestDispatcher_KeepsOrderPerKey(t *testing.T) {
	d := NewDispatcher(4, 8, nil)

	var mu sync.Mutex
	seen := make(map[string][]int)
	for i := 0; i < 100; i++ {
		for _, key := range []string{"a", "b", "c"} {
			d.Dispatch(key, func() {
				mu.Lock()
				seen[key] = append(seen[key], i)
				mu.Unlock()
			})
		}
	}
	d.Dispatch("a", func() { panic("ignored") })
	d.Close()

	for key, list := range seen {
		if len(list) != 100 {
			t.Errorf("%s: %d tasks ran, want 100", key, len(list))
		}
		for i, v := range list {
			if v != i {
				t.Errorf("%s: out of order at %d: %d", key, i, v)
				break
			}
		}
	}
	if d.Dispatch("a", func() {}) {
		t.Error("Dispatch after Close should report false")
	}
}

func TestChannel_InlineListenerBypassesBlockedLane(t *testing.T) {
	dispatcher := NewDispatcher(1, 4, nil)
	t.Cleanup(dispatcher.Close)

	reg := NewListenerRegistry(nil, nil)
	release := make(chan struct{})
	reg.AddListener(testChannelID, PacketListenerFunc(func(Channel, *Packet) error {
		<-release
		return nil
	}))
	inline := make(chan *Packet, 1)
	reg.AddInlineListener(testChannelID+1, PacketListenerFunc(func(_ Channel, p *Packet) error {
		inline <- p
		return nil
	}))
	regular := collect(reg, testChannelID+1)

	srv, cli := newPair(t, Options{Registry: reg, Dispatcher: dispatcher}, Options{})
	defer close(release)

	cli.SendPacket(NewPacket(testChannelID, nil), NewPacket(testChannelID+1, []byte("reply")))

	select {
	case p := <-inline:
		if string(p.Payload()) != "reply" {
			t.Errorf("payload = %q", p.Payload())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inline listener blocked behind a busy lane")
	}
	select {
	case <-regular:
		t.Error("packet taken inline also reached the regular listeners")
	case <-time.After(50 * time.Millisecond):
	}
	if !srv.Active() {
		t.Error("server channel closed")
	}
}
