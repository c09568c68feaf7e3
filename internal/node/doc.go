// Package node assembles a cluster node from its configuration.
//
// New builds every component and binds the packet listeners. Start loads
// the service tasks, binds the network listeners and the metrics endpoint,
// and runs the first-run setups. Shutdown stops everything in reverse order.
package node
