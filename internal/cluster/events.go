package cluster

// NodeConnectedEvent is published after a node passed the handshake and was
// added to the peer table.
type NodeConnectedEvent struct {
	Peer *Peer
}

// NodeDisconnectedEvent is published after the channel of a peer closed.
type NodeDisconnectedEvent struct {
	Peer *Peer
}

// Metrics receives cluster membership counters.
type Metrics interface {
	PeerConnected()
	PeerDisconnected()
	HandshakeRejected()
}

type nopMetrics struct{}

func (nopMetrics) PeerConnected()     {}
func (nopMetrics) PeerDisconnected()  {}
func (nopMetrics) HandshakeRejected() {}
