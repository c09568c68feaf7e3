package cluster

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/memberlist"
	"github.com/segmentio/encoding/json"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
)

// Discovery finds other nodes with the gossip protocol. Every member
// advertises the packet listeners of its node in its metadata, so a join
// can be turned into a dial.
type Discovery struct {
	memberList *memberlist.Memberlist
	logger     *slog.Logger

	mu       sync.Mutex
	shutdown bool
}

// DiscoveryConfig configures gossip discovery.
type DiscoveryConfig struct {
	// NodeID is the member name; it must equal the node's unique id.
	NodeID string

	// BindAddr and BindPort select the gossip socket. Port 0 picks a free one.
	BindAddr string
	BindPort int

	// Listeners are the packet listeners announced to other members.
	Listeners []domain.HostAndPort

	// SeedNodes are gossip addresses ("host:port") joined at startup.
	SeedNodes []string

	// OnJoin runs for every other member that joins, with its listeners.
	OnJoin func(nodeID string, listeners []domain.HostAndPort)

	// OnLeave runs when a member leaves or is declared dead.
	OnLeave func(nodeID string)

	Logger *slog.Logger
}

// nodeMetadata is the member metadata, kept below memberlist's 512 bytes.
type nodeMetadata struct {
	Listeners []domain.HostAndPort `json:"listeners"`
}

// NewDiscovery starts the gossip member and joins the seed nodes.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "discovery")

	meta, err := json.Marshal(nodeMetadata{Listeners: cfg.Listeners})
	if err != nil {
		return nil, fmt.Errorf("encode node metadata: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, domain.ErrInvalidArgument.WithDetailsf("node metadata is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.Delegate = &metadataDelegate{meta: meta}
	mlConfig.Events = &eventDelegate{
		localID: cfg.NodeID,
		onJoin:  cfg.OnJoin,
		onLeave: cfg.OnLeave,
		logger:  logger,
	}
	mlConfig.LogOutput = &slogWriter{logger: logger}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	d := &Discovery{memberList: ml, logger: logger}

	if len(cfg.SeedNodes) > 0 {
		n, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			_ = ml.Shutdown()
			return nil, fmt.Errorf("join seed nodes: %w", err)
		}
		logger.Info("joined cluster", "node_id", cfg.NodeID, "seed_nodes", cfg.SeedNodes, "joined_count", n)
	} else {
		logger.Info("started discovery (bootstrap mode)", "node_id", cfg.NodeID)
	}
	return d, nil
}

// Address returns the local gossip address as "host:port".
func (d *Discovery) Address() string {
	n := d.memberList.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members returns the ids of all live members, including the local one.
func (d *Discovery) Members() []string {
	members := d.memberList.Members()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Name)
	}
	return ids
}

// Join contacts additional gossip addresses.
func (d *Discovery) Join(addrs ...string) (int, error) {
	return d.memberList.Join(addrs)
}

// Shutdown leaves the cluster and stops gossiping. It is safe to call twice.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return nil
	}
	d.shutdown = true

	if err := d.memberList.Leave(0); err != nil {
		d.logger.Warn("failed to leave cluster", "error", err)
	}
	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

type eventDelegate struct {
	localID string
	onJoin  func(string, []domain.HostAndPort)
	onLeave func(string)
	logger  *slog.Logger
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	if node.Name == e.localID {
		return
	}

	var meta nodeMetadata
	if err := json.Unmarshal(node.Meta, &meta); err != nil || len(meta.Listeners) == 0 {
		e.logger.Warn("member joined without listener metadata", "node_id", node.Name, "gossip_addr", node.Address())
		return
	}

	e.logger.Info("member joined", "node_id", node.Name, "gossip_addr", node.Address(), "listeners", len(meta.Listeners))
	if e.onJoin != nil {
		e.onJoin(node.Name, meta.Listeners)
	}
}

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	if node.Name == e.localID {
		return
	}
	e.logger.Info("member left", "node_id", node.Name, "gossip_addr", node.Address())
	if e.onLeave != nil {
		e.onLeave(node.Name)
	}
}

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.logger.Debug("member updated", "node_id", node.Name)
}

// slogWriter forwards memberlist's log lines to slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}

type metadataDelegate struct {
	meta []byte
}

func (m *metadataDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return nil
	}
	return m.meta
}

func (m *metadataDelegate) NotifyMsg([]byte)                           {}
func (m *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (m *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}
