package config

import (
	"path/filepath"
	"time"
)

// NodeConfig is the root configuration of cloudnet-node.
type NodeConfig struct {
	Node     NodeSection     `koanf:"node" yaml:"node"`
	Network  NetworkSection  `koanf:"network" yaml:"network"`
	Cluster  ClusterSection  `koanf:"cluster" yaml:"cluster"`
	RPC      RPCSection      `koanf:"rpc" yaml:"rpc"`
	Tasks    TasksSection    `koanf:"tasks" yaml:"tasks"`
	Database DatabaseSection `koanf:"database" yaml:"database"`
	Metrics  MetricsSection  `koanf:"metrics" yaml:"metrics"`
	Log      LogSection      `koanf:"log" yaml:"log"`
}

// NodeSection identifies the node and its cluster.
type NodeSection struct {
	// ID is the unique id of this node, e.g. "Node-1".
	ID string `koanf:"id" yaml:"id"`

	// ClusterID must be equal on every node of a cluster.
	ClusterID string `koanf:"cluster_id" yaml:"cluster_id"`

	// ClusterSecret authenticates node handshakes.
	ClusterSecret string `koanf:"cluster_secret" yaml:"cluster_secret"`

	DataDir string `koanf:"data_dir" yaml:"data_dir"`
}

// NetworkSection configures the packet listeners and channels.
type NetworkSection struct {
	// Listeners are "host:port" bind addresses for node connections.
	Listeners []string `koanf:"listeners" yaml:"listeners"`

	// Whitelist holds the hosts allowed to connect. Empty allows all.
	Whitelist []string `koanf:"whitelist" yaml:"whitelist"`

	MaxFrameLength    int           `koanf:"max_frame_length" yaml:"max_frame_length"`
	HighWaterMark     int           `koanf:"high_water_mark" yaml:"high_water_mark"`
	WriteTimeout      time.Duration `koanf:"write_timeout" yaml:"write_timeout"`
	DispatcherWorkers int           `koanf:"dispatcher_workers" yaml:"dispatcher_workers"`
	DispatcherQueue   int           `koanf:"dispatcher_queue" yaml:"dispatcher_queue"`

	// PacketRate limits inbound packets per second and channel. Zero
	// disables the limit.
	PacketRate  float64 `koanf:"packet_rate" yaml:"packet_rate"`
	PacketBurst int     `koanf:"packet_burst" yaml:"packet_burst"`
}

// ClusterSection configures how nodes find each other.
type ClusterSection struct {
	// StaticPeers are "host:port" listener addresses dialled at startup and
	// redialled while disconnected.
	StaticPeers       []string         `koanf:"static_peers" yaml:"static_peers"`
	ReconnectInterval time.Duration    `koanf:"reconnect_interval" yaml:"reconnect_interval"`
	HandshakeTimeout  time.Duration    `koanf:"handshake_timeout" yaml:"handshake_timeout"`
	Discovery         DiscoverySection `koanf:"discovery" yaml:"discovery"`
}

// DiscoverySection configures gossip discovery.
type DiscoverySection struct {
	Enabled  bool     `koanf:"enabled" yaml:"enabled"`
	BindAddr string   `koanf:"bind_addr" yaml:"bind_addr"`
	BindPort int      `koanf:"bind_port" yaml:"bind_port"`
	Seeds    []string `koanf:"seeds" yaml:"seeds"`
}

// RPCSection configures remote invocations.
type RPCSection struct {
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
	// Workers bounds how many inbound invocations run at once.
	Workers int           `koanf:"workers" yaml:"workers"`
}

// TasksSection configures the service task store.
type TasksSection struct {
	Dir string `koanf:"dir" yaml:"dir"`

	// InstallDefaults creates a proxy and a lobby task on first start.
	InstallDefaults bool `koanf:"install_defaults" yaml:"install_defaults"`
}

// DatabaseSection configures the node-local database.
type DatabaseSection struct {
	Enabled    bool          `koanf:"enabled" yaml:"enabled"`
	Dir        string        `koanf:"dir" yaml:"dir"`
	GCInterval time.Duration `koanf:"gc_interval" yaml:"gc_interval"`
}

// MetricsSection configures the /metrics endpoint.
type MetricsSection struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// TasksDir returns the task directory, resolved against the data dir.
func (c *NodeConfig) TasksDir() string {
	return c.resolve(c.Tasks.Dir)
}

// DatabaseDir returns the database directory, resolved against the data dir.
func (c *NodeConfig) DatabaseDir() string {
	return c.resolve(c.Database.Dir)
}

func (c *NodeConfig) resolve(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Node.DataDir, dir)
}
