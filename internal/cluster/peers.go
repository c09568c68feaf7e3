package cluster

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/network"
)

// Peer is an authenticated connection to another node.
type Peer struct {
	Identity    domain.NodeIdentity
	Version     string
	Channel     network.Channel
	ConnectedAt time.Time
}

// Info returns the node info view of the peer.
func (p *Peer) Info() domain.NodeInfo {
	return domain.NodeInfo{
		Identity:    p.Identity.Clone(),
		Connected:   p.Channel.Active(),
		ConnectedAt: p.ConnectedAt,
		Version:     p.Version,
	}
}

// PeerTable holds at most one channel per remote node.
type PeerTable struct {
	local string

	mu        sync.RWMutex
	peers     map[string]*Peer
	byChannel map[string]string
}

// NewPeerTable creates an empty table for the node with id local.
func NewPeerTable(local string) *PeerTable {
	return &PeerTable{
		local:     local,
		peers:     make(map[string]*Peer),
		byChannel: make(map[string]string),
	}
}

// Add registers p. When the node already has a channel, the one dialled by
// the node with the smaller id is kept: if that is the new channel the old
// one is returned for closing, otherwise the new peer is rejected.
func (t *PeerTable) Add(p *Peer) (replaced network.Channel, err error) {
	id := p.Identity.UniqueID
	if id == t.local {
		return nil, domain.ErrHandshakeRejected.WithDetailsf("node %s has the local node id", id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.peers[id]; ok && old.Channel.ID() != p.Channel.ID() {
		if old.Channel.Active() && !t.preferred(id, p.Channel) {
			return nil, domain.ErrHandshakeRejected.WithDetailsf("node %s is already connected", id)
		}
		delete(t.byChannel, old.Channel.ID())
		replaced = old.Channel
	}

	t.peers[id] = p
	t.byChannel[p.Channel.ID()] = id
	return replaced, nil
}

// preferred reports whether ch was dialled by the node with the smaller id.
func (t *PeerTable) preferred(remote string, ch network.Channel) bool {
	dialer := t.local
	if ch.ClientProvided() {
		dialer = remote
	}
	return dialer == min(t.local, remote)
}

// Remove drops the peer owning ch and returns it.
func (t *PeerTable) Remove(ch network.Channel) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byChannel[ch.ID()]
	if !ok {
		return nil, false
	}
	delete(t.byChannel, ch.ID())
	p := t.peers[id]
	delete(t.peers, id)
	return p, true
}

// Node returns the peer with the given id.
func (t *PeerTable) Node(id string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// ByChannel returns the peer owning ch.
func (t *PeerTable) ByChannel(ch network.Channel) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byChannel[ch.ID()]
	if !ok {
		return nil, false
	}
	return t.peers[id], true
}

// ByAddress returns the peer announcing addr as one of its listeners.
func (t *PeerTable) ByAddress(addr domain.HostAndPort) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.peers {
		if slices.ContainsFunc(p.Identity.Listeners, addr.Equal) {
			return p, true
		}
	}
	return nil, false
}

// Nodes returns all peers sorted by node id.
func (t *PeerTable) Nodes() []*Peer {
	t.mu.RLock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Peer) int {
		return strings.Compare(a.Identity.UniqueID, b.Identity.UniqueID)
	})
	return out
}

// Len returns the number of connected peers.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Channels returns the channels of all peers.
func (t *PeerTable) Channels() []network.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]network.Channel, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Channel)
	}
	return out
}

// NodeIDs returns the ids of all peers.
func (t *PeerTable) NodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	return out
}

// Channel returns the channel to the node with the given id.
func (t *PeerTable) Channel(id string) (network.Channel, bool) {
	p, ok := t.Node(id)
	if !ok {
		return nil, false
	}
	return p.Channel, true
}
