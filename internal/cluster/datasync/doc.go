// Package datasync replicates registered record sets between cluster nodes.
//
// Each kind of record is registered under a key with a Handler. When two
// nodes connect, both send a full sync of every handler's records; the
// receiver writes each record that differs from its own copy. A local change
// is announced with Broadcast, which sends one delta to each connected node.
// Receivers only write deltas, they never forward them, so every change
// reaches exactly the nodes connected to its origin.
package datasync
