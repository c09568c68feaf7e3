package config

import (
	"slices"

	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
)

// Sanitize returns a copy of the config with the cluster secret masked, for
// printing.
func Sanitize(cfg *NodeConfig) *NodeConfig {
	sanitized := *cfg
	sanitized.Network.Listeners = slices.Clone(cfg.Network.Listeners)
	sanitized.Network.Whitelist = slices.Clone(cfg.Network.Whitelist)
	sanitized.Cluster.StaticPeers = slices.Clone(cfg.Cluster.StaticPeers)
	sanitized.Cluster.Discovery.Seeds = slices.Clone(cfg.Cluster.Discovery.Seeds)

	if sanitized.Node.ClusterSecret != "" {
		sanitized.Node.ClusterSecret = logger.RedactString(sanitized.Node.ClusterSecret)
	}
	return &sanitized
}
