package config

import "time"

// Default configuration values.
const (
	DefaultNodeID    = "Node-1"
	DefaultClusterID = "cloudnet"
	DefaultDataDir   = "local"

	DefaultListener       = "0.0.0.0:1410"
	DefaultMaxFrameLength = 16 << 20
	DefaultHighWaterMark  = 4 << 20
	DefaultWriteTimeout   = 30 * time.Second
	DefaultDispatcherQ    = 256

	DefaultReconnectInterval = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultDiscoveryPort     = 1411

	DefaultRPCTimeout = 30 * time.Second
	DefaultRPCWorkers = 64

	DefaultTasksDir     = "tasks"
	DefaultDatabaseDir  = "database"
	DefaultDBGCInterval = 10 * time.Minute

	DefaultMetricsAddr = "127.0.0.1:1412"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// Default returns the default node configuration. The cluster secret has no
// default and must be configured.
func Default() *NodeConfig {
	return &NodeConfig{
		Node: NodeSection{
			ID:        DefaultNodeID,
			ClusterID: DefaultClusterID,
			DataDir:   DefaultDataDir,
		},
		Network: NetworkSection{
			Listeners:       []string{DefaultListener},
			MaxFrameLength:  DefaultMaxFrameLength,
			HighWaterMark:   DefaultHighWaterMark,
			WriteTimeout:    DefaultWriteTimeout,
			DispatcherQueue: DefaultDispatcherQ,
		},
		Cluster: ClusterSection{
			ReconnectInterval: DefaultReconnectInterval,
			HandshakeTimeout:  DefaultHandshakeTimeout,
			Discovery: DiscoverySection{
				BindAddr: "0.0.0.0",
				BindPort: DefaultDiscoveryPort,
			},
		},
		RPC: RPCSection{
			Timeout: DefaultRPCTimeout,
			Workers: DefaultRPCWorkers,
		},
		Tasks: TasksSection{
			Dir:             DefaultTasksDir,
			InstallDefaults: true,
		},
		Database: DatabaseSection{
			Enabled:    true,
			Dir:        DefaultDatabaseDir,
			GCInterval: DefaultDBGCInterval,
		},
		Metrics: MetricsSection{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
