package cluster

import (
	"context"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
)

// NodeInfoContract is the RPC contract answering cluster membership queries.
const NodeInfoContract = "NodeInfoProvider"

// RegisterNodeInfo binds the node info contract to m.
func RegisterNodeInfo(reg *rpc.HandlerRegistry, m *Manager) {
	rpc.Register0(reg, NodeInfoContract, "nodes", func(context.Context) ([]domain.NodeInfo, error) {
		return m.NodeInfos(), nil
	})
	rpc.Register1(reg, NodeInfoContract, "node", func(_ context.Context, id string) (domain.NodeInfo, error) {
		if id == m.cfg.NodeID {
			return m.LocalInfo(), nil
		}
		p, ok := m.peers.Node(id)
		if !ok {
			return domain.NodeInfo{}, domain.ErrNodeNotConnected.WithDetailsf("node %q", id)
		}
		return p.Info(), nil
	})
	rpc.Register0(reg, NodeInfoContract, "localNode", func(context.Context) (domain.NodeInfo, error) {
		return m.LocalInfo(), nil
	})
}

// RemoteNodeInfo queries the node info contract of the node behind a channel.
type RemoteNodeInfo struct {
	sender *rpc.Sender
	ch     network.Channel
}

// NewRemoteNodeInfo returns a client for the node at the other end of ch.
func NewRemoteNodeInfo(e *rpc.Engine, ch network.Channel) *RemoteNodeInfo {
	return &RemoteNodeInfo{sender: rpc.NewSender(e, NodeInfoContract), ch: ch}
}

// Nodes returns the remote node's view of the cluster, itself first.
func (r *RemoteNodeInfo) Nodes(ctx context.Context) ([]domain.NodeInfo, error) {
	return rpc.FireSync[[]domain.NodeInfo](ctx, r.sender.Invoke("nodes"), r.ch)
}

// Node returns the remote node's view of node id.
func (r *RemoteNodeInfo) Node(ctx context.Context, id string) (domain.NodeInfo, error) {
	return rpc.FireSync[domain.NodeInfo](ctx, r.sender.Invoke("node", rpc.Arg(id)), r.ch)
}

// LocalNode returns the info of the remote node itself.
func (r *RemoteNodeInfo) LocalNode(ctx context.Context) (domain.NodeInfo, error) {
	return rpc.FireSync[domain.NodeInfo](ctx, r.sender.Invoke("localNode"), r.ch)
}
