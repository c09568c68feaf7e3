package config

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
)

// Verify validates the configuration and returns every problem found.
func Verify(cfg *NodeConfig) error {
	return errors.Join(
		verifyNode(&cfg.Node),
		verifyNetwork(&cfg.Network),
		verifyCluster(&cfg.Cluster),
		verifyRuntime(cfg),
	)
}

func verifyNode(cfg *NodeSection) error {
	var errs []error
	if cfg.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if cfg.ClusterID == "" {
		errs = append(errs, errors.New("node.cluster_id is required"))
	}
	if cfg.ClusterSecret == "" {
		errs = append(errs, errors.New("node.cluster_secret is required"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}
	return errors.Join(errs...)
}

func verifyNetwork(cfg *NetworkSection) error {
	var errs []error
	if len(cfg.Listeners) == 0 {
		errs = append(errs, errors.New("network.listeners must not be empty"))
	}
	for _, l := range cfg.Listeners {
		if _, err := domain.ParseHostAndPort(l, true); err != nil {
			errs = append(errs, fmt.Errorf("network.listeners: %w", err))
		}
	}
	for _, w := range cfg.Whitelist {
		if _, err := netip.ParseAddr(w); err != nil {
			errs = append(errs, fmt.Errorf("network.whitelist: %q is not an IP address", w))
		}
	}
	if cfg.MaxFrameLength <= 0 {
		errs = append(errs, errors.New("network.max_frame_length must be positive"))
	}
	if cfg.PacketRate < 0 {
		errs = append(errs, errors.New("network.packet_rate must not be negative"))
	}
	return errors.Join(errs...)
}

func verifyCluster(cfg *ClusterSection) error {
	var errs []error
	for _, p := range cfg.StaticPeers {
		if _, err := domain.ParseHostAndPort(p, true); err != nil {
			errs = append(errs, fmt.Errorf("cluster.static_peers: %w", err))
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("cluster.handshake_timeout must be positive"))
	}
	if cfg.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("cluster.reconnect_interval must be positive"))
	}
	if d := cfg.Discovery; d.Enabled && (d.BindPort < 0 || d.BindPort > 65535) {
		errs = append(errs, fmt.Errorf("cluster.discovery.bind_port %d out of range", d.BindPort))
	}
	return errors.Join(errs...)
}

func verifyRuntime(cfg *NodeConfig) error {
	var errs []error
	if cfg.RPC.Timeout <= 0 {
		errs = append(errs, errors.New("rpc.timeout must be positive"))
	}
	if cfg.RPC.Workers <= 0 {
		errs = append(errs, errors.New("rpc.workers must be positive"))
	}
	if cfg.Tasks.Dir == "" {
		errs = append(errs, errors.New("tasks.dir is required"))
	}
	if cfg.Database.Enabled && cfg.Database.Dir == "" {
		errs = append(errs, errors.New("database.dir is required"))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required"))
	}
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
