package domain

import (
	"slices"
	"time"
)

// NodeIdentity identifies a cluster member and the addresses its packet
// listeners are bound to.
type NodeIdentity struct {
	UniqueID  string        `json:"uniqueId"`
	Listeners []HostAndPort `json:"listeners"`
}

// Validate checks the identity has an id and valid listener addresses.
func (n NodeIdentity) Validate() error {
	if n.UniqueID == "" {
		return ErrInvalidArgument.WithDetails("node unique id is required")
	}
	for _, l := range n.Listeners {
		if err := l.Validate(); err != nil {
			return err
		}
		if !l.HasPort() {
			return ErrInvalidArgument.WithDetailsf("listener %s has no port", l.Host)
		}
	}
	return nil
}

// Clone returns a copy that shares nothing with n.
func (n NodeIdentity) Clone() NodeIdentity {
	n.Listeners = slices.Clone(n.Listeners)
	return n
}

// NodeInfo is the view of a cluster member exposed to other nodes.
type NodeInfo struct {
	Identity    NodeIdentity `json:"identity"`
	Local       bool         `json:"local"`
	Connected   bool         `json:"connected"`
	ConnectedAt time.Time    `json:"connectedAt,omitempty"`
	Version     string       `json:"version"`
}
