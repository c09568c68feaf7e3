// Package cluster connects the nodes of a CloudNet cluster.
//
// Every node runs a Manager. It accepts packet channels on the configured
// listeners, dials static peers and the nodes found by gossip Discovery,
// and authenticates every channel with a handshake keyed by the cluster
// secret before any other packet is dispatched. Authenticated channels are
// kept in the PeerTable, which serves as the peer source of the data sync
// registry and the channel messenger.
//
// Membership is symmetric. There is no leader and no consensus; when two
// nodes open channels to each other at the same time, the channel dialled
// by the node with the smaller id survives.
package cluster
