package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/cluster/datasync"
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/pkg/cmap"
)

// Default cluster timings.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

// DiscoverySettings enables gossip discovery.
type DiscoverySettings struct {
	BindAddr string
	BindPort int
	Seeds    []string
}

// Config configures a Manager.
type Config struct {
	NodeID    string
	ClusterID string
	Secret    string
	Version   string

	// Listeners are bound by Start; the bound addresses become the node's
	// announced listeners.
	Listeners []domain.HostAndPort

	// Whitelist restricts accepted connections to these hosts. Empty allows
	// every host.
	Whitelist []string

	// StaticPeers are dialled at startup and redialled while disconnected.
	StaticPeers       []domain.HostAndPort
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration

	// Discovery is nil when gossip discovery is disabled.
	Discovery *DiscoverySettings

	// Channel is applied to every channel; its Handler is replaced.
	Channel network.Options

	// Sync sends a full sync to every node after its handshake. May be nil.
	Sync *datasync.Registry

	// Peers receives the authenticated nodes. Nil creates a new table; pass
	// one to share it with components built before the manager.
	Peers *PeerTable

	Metrics Metrics
}

type handshakeState struct {
	ch    network.Channel
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
}

func (s *handshakeState) complete() {
	s.timer.Stop()
	s.once.Do(func() { close(s.done) })
}

// Manager connects this node to the other nodes of the cluster. It owns the
// packet server, authenticates every channel with a handshake and keeps the
// peer table.
type Manager struct {
	cfg     Config
	opts    network.Options
	auth    *authenticator
	peers   *PeerTable
	server  *network.Server
	logger  *slog.Logger
	bus     *eventbus.Bus
	metrics Metrics

	pending *cmap.Map[string, *handshakeState]

	mu        sync.RWMutex
	identity  domain.NodeIdentity
	discovery *Discovery

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager validates cfg and prepares the packet server. Nothing is bound
// before Start.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("node id is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Channel.Logger == nil {
		cfg.Channel.Logger = slog.Default()
	}
	if cfg.Channel.Bus == nil {
		cfg.Channel.Bus = eventbus.New(cfg.Channel.Logger)
	}

	if cfg.Peers == nil {
		cfg.Peers = NewPeerTable(cfg.NodeID)
	}

	allow, err := allowList(cfg.Whitelist)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		auth:     newAuthenticator(cfg.ClusterID, cfg.Secret),
		peers:    cfg.Peers,
		logger:   cfg.Channel.Logger.With("component", "cluster"),
		bus:      cfg.Channel.Bus,
		metrics:  cfg.Metrics,
		pending:  cmap.New[string, *handshakeState](),
		identity: domain.NodeIdentity{UniqueID: cfg.NodeID},
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.opts = cfg.Channel
	m.opts.Handler = m
	m.server = network.NewServer(network.ServerConfig{Channel: m.opts, Allow: allow})
	return m, nil
}

// allowList builds the whitelist filter. Nil means every host is allowed.
func allowList(entries []string) (func(domain.HostAndPort) bool, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	hosts := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		hp, err := domain.ParseHostAndPort(e, false)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", e, err)
		}
		hosts[hp.Host] = struct{}{}
	}
	return func(remote domain.HostAndPort) bool {
		_, ok := hosts[remote.Host]
		return ok
	}, nil
}

// Start binds the listeners, joins the gossip cluster and starts dialling
// the static peers.
func (m *Manager) Start(ctx context.Context) error {
	bound := make([]domain.HostAndPort, 0, len(m.cfg.Listeners))
	for _, l := range m.cfg.Listeners {
		addr, err := m.server.Listen(ctx, l)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", l, err)
		}
		bound = append(bound, addr)
	}

	m.mu.Lock()
	m.identity.Listeners = bound
	m.mu.Unlock()

	if d := m.cfg.Discovery; d != nil {
		disc, err := NewDiscovery(DiscoveryConfig{
			NodeID:    m.cfg.NodeID,
			BindAddr:  d.BindAddr,
			BindPort:  d.BindPort,
			Listeners: bound,
			SeedNodes: d.Seeds,
			OnJoin:    m.onJoin,
			OnLeave:   m.onLeave,
			Logger:    m.cfg.Channel.Logger,
		})
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.discovery = disc
		m.mu.Unlock()
	}

	for _, addr := range m.cfg.StaticPeers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.maintain(addr)
		}()
	}

	m.logger.Info("cluster started", "node_id", m.cfg.NodeID, "listeners", len(bound), "static_peers", len(m.cfg.StaticPeers))
	return nil
}

// Identity returns the local node identity with the bound listeners.
func (m *Manager) Identity() domain.NodeIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity.Clone()
}

// Peers returns the table of authenticated nodes.
func (m *Manager) Peers() *PeerTable {
	return m.peers
}

// Discovery returns the gossip member, or nil when discovery is disabled.
func (m *Manager) Discovery() *Discovery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovery
}

// LocalInfo returns the node info of this node.
func (m *Manager) LocalInfo() domain.NodeInfo {
	return domain.NodeInfo{
		Identity:  m.Identity(),
		Local:     true,
		Connected: true,
		Version:   m.cfg.Version,
	}
}

// NodeInfos returns the local node followed by every connected node.
func (m *Manager) NodeInfos() []domain.NodeInfo {
	peers := m.peers.Nodes()
	out := make([]domain.NodeInfo, 0, len(peers)+1)
	out = append(out, m.LocalInfo())
	for _, p := range peers {
		out = append(out, p.Info())
	}
	return out
}

// Connect dials addr and waits for the handshake to complete.
func (m *Manager) Connect(ctx context.Context, addr domain.HostAndPort) (*Peer, error) {
	if m.ctx.Err() != nil {
		return nil, domain.ErrChannelClosed.WithDetails("cluster is shutting down")
	}

	ch, err := network.Dial(ctx, addr, m.opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	state, ok := m.pending.Get(ch.ID())
	if !ok {
		return nil, domain.ErrChannelClosed.WithDetailsf("channel to %s closed during setup", addr)
	}

	payload, err := m.auth.sign(m.Identity(), m.cfg.Version, false)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	ch.SendPacket(network.NewPacket(network.ChannelHandshake, payload))

	select {
	case <-state.done:
		if p, ok := m.peers.ByChannel(ch); ok {
			return p, nil
		}
		return nil, domain.ErrChannelClosed.WithDetailsf("channel to %s closed after handshake", addr)
	case <-ch.Done():
		return nil, domain.ErrHandshakeRejected.WithDetailsf("%s closed the connection during the handshake", addr)
	case <-ctx.Done():
		_ = ch.Close()
		return nil, ctx.Err()
	}
}

// maintain keeps a connection to a static peer until shutdown.
func (m *Manager) maintain(addr domain.HostAndPort) {
	logger := m.logger.With("peer_addr", addr.String())
	for {
		if _, ok := m.peers.ByAddress(addr); !ok {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
			p, err := m.Connect(ctx, addr)
			cancel()
			if err != nil {
				logger.Debug("static peer unavailable", "error", err)
			} else {
				select {
				case <-p.Channel.Done():
					logger.Info("static peer disconnected", "node_id", p.Identity.UniqueID)
				case <-m.ctx.Done():
					return
				}
			}
		}

		select {
		case <-time.After(m.cfg.ReconnectInterval):
		case <-m.ctx.Done():
			return
		}
	}
}

// onJoin dials a node found by discovery. Only the node with the smaller id
// dials, so two nodes joining each other open a single channel.
func (m *Manager) onJoin(nodeID string, listeners []domain.HostAndPort) {
	if m.cfg.NodeID >= nodeID {
		return
	}
	if _, ok := m.peers.Node(nodeID); ok {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, l := range listeners {
			ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
			_, err := m.Connect(ctx, l)
			cancel()
			if err == nil {
				return
			}
			m.logger.Warn("failed to connect to discovered node", "node_id", nodeID, "addr", l.String(), "error", err)
		}
	}()
}

func (m *Manager) onLeave(nodeID string) {
	if p, ok := m.peers.Node(nodeID); ok {
		_ = p.Channel.Close()
	}
}

// HandleChannelInitialize implements network.ChannelHandler. Every channel
// must complete the handshake within the handshake timeout.
func (m *Manager) HandleChannelInitialize(ch network.Channel) error {
	if m.ctx.Err() != nil {
		return domain.ErrChannelClosed.WithDetails("cluster is shutting down")
	}
	state := &handshakeState{ch: ch, done: make(chan struct{})}
	state.timer = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
		if _, ok := m.peers.ByChannel(ch); !ok {
			m.logger.Warn("handshake timed out", "remote", ch.ClientAddress().String())
			_ = ch.Close()
		}
	})
	m.pending.Set(ch.ID(), state)
	return nil
}

// HandlePacketReceive implements network.ChannelHandler. Packets other than
// the handshake are dropped until the channel is authenticated.
func (m *Manager) HandlePacketReceive(ch network.Channel, p *network.Packet) bool {
	if p.Channel() == network.ChannelHandshake {
		m.handleHello(ch, p.Payload())
		return false
	}
	if _, ok := m.peers.ByChannel(ch); !ok {
		m.logger.Debug("dropping packet of unauthenticated channel", "channel_id", p.Channel())
		return false
	}
	return true
}

// HandleChannelInactive implements network.ChannelHandler.
func (m *Manager) HandleChannelInactive(ch network.Channel) {
	if state, ok := m.pending.Pop(ch.ID()); ok {
		state.timer.Stop()
	}
	p, ok := m.peers.Remove(ch)
	if !ok {
		return
	}
	m.metrics.PeerDisconnected()
	m.logger.Info("node disconnected", "node_id", p.Identity.UniqueID)
	eventbus.Publish(m.bus, NodeDisconnectedEvent{Peer: p})
}

// HandleException implements network.ChannelHandler.
func (m *Manager) HandleException(ch network.Channel, err error) {
	if errors.Is(err, domain.ErrMalformedFrame) {
		m.logger.Warn("closing channel after malformed frame", "channel", ch.ID(), "error", err)
		return
	}
	m.logger.Debug("channel error", "channel", ch.ID(), "error", err)
}

func (m *Manager) handleHello(ch network.Channel, payload []byte) {
	if _, ok := m.peers.ByChannel(ch); ok {
		m.logger.Debug("ignoring repeated handshake", "channel", ch.ID())
		return
	}

	h, err := m.auth.verify(payload)
	if err == nil && h.Reply == ch.ClientProvided() {
		err = domain.ErrHandshakeRejected.WithDetails("unexpected handshake direction")
	}
	if err != nil {
		m.reject(ch, err)
		return
	}

	peer := &Peer{Identity: h.Identity, Version: h.Version, Channel: ch, ConnectedAt: time.Now()}
	replaced, err := m.peers.Add(peer)
	if err != nil {
		m.reject(ch, err)
		return
	}

	if ch.ClientProvided() {
		reply, err := m.auth.sign(m.Identity(), m.cfg.Version, true)
		if err != nil {
			m.peers.Remove(ch)
			m.reject(ch, err)
			return
		}
		ch.SendPacket(network.NewPacket(network.ChannelHandshake, reply))
	}
	if replaced != nil {
		m.logger.Info("replacing duplicate connection", "node_id", h.Identity.UniqueID)
		_ = replaced.Close()
	}
	if state, ok := m.pending.Get(ch.ID()); ok {
		state.complete()
	}

	m.metrics.PeerConnected()
	m.logger.Info("node connected",
		"node_id", h.Identity.UniqueID,
		"version", h.Version,
		"client_provided", ch.ClientProvided(),
	)
	m.publishConnected(peer)

	if m.cfg.Sync != nil {
		if err := m.cfg.Sync.SendFullSync(ch); err != nil {
			m.logger.Error("failed to send full sync", "node_id", h.Identity.UniqueID, "error", err)
		}
	}
}

// publishConnected delivers NodeConnectedEvent away from the read goroutine.
// With a dispatcher it runs on the channel's lane, ahead of the packets the
// peer sends after its handshake.
func (m *Manager) publishConnected(peer *Peer) {
	ev := NodeConnectedEvent{Peer: peer}
	if d := m.opts.Dispatcher; d != nil && d.Dispatch(peer.Channel.ID(), func() { eventbus.Publish(m.bus, ev) }) {
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		eventbus.Publish(m.bus, ev)
	}()
}

func (m *Manager) reject(ch network.Channel, err error) {
	m.metrics.HandshakeRejected()
	m.logger.Warn("handshake rejected", "remote", ch.ClientAddress().String(), "error", err)
	_ = ch.Close()
}

// Shutdown stops discovery, the static peer loops and every channel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	var errs []error
	if d := m.Discovery(); d != nil {
		if err := d.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, state := range m.pending.Values() {
		_ = state.ch.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
