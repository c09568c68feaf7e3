package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iknow13/CloudNet-v3/internal/cluster"
	"github.com/iknow13/CloudNet-v3/internal/cluster/chanmsg"
	"github.com/iknow13/CloudNet-v3/internal/cluster/datasync"
	"github.com/iknow13/CloudNet-v3/internal/core/domain"
	"github.com/iknow13/CloudNet-v3/internal/infra/eventbus"
	"github.com/iknow13/CloudNet-v3/internal/infra/shutdown"
	"github.com/iknow13/CloudNet-v3/internal/network"
	"github.com/iknow13/CloudNet-v3/internal/node/config"
	"github.com/iknow13/CloudNet-v3/internal/provider/task"
	"github.com/iknow13/CloudNet-v3/internal/rpc"
	"github.com/iknow13/CloudNet-v3/internal/storage"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/metric"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second

// ErrNotStarted is reported by the health check before Start completed.
var ErrNotStarted = errors.New("node not started")

// Options carries the process-level dependencies of a Node.
type Options struct {
	Logger  *slog.Logger
	Version string

	// ShutdownTimeout defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// Node is a running cluster node.
type Node struct {
	cfg    *config.NodeConfig
	logger *slog.Logger

	bus        *eventbus.Bus
	dispatcher *network.Dispatcher
	registry   *network.ListenerRegistry
	rpc        *rpc.Engine
	peers      *cluster.PeerTable
	sync       *datasync.Registry
	messenger  *chanmsg.Messenger
	cluster    *cluster.Manager
	tasks      *task.Provider
	database   *storage.Engine
	metrics    *metric.Registry
	metricSrv  *metric.Server
	install    *Installation
	shutdown   *shutdown.Handler

	started     atomic.Bool
	metricsAddr string

	cfgMu sync.Mutex
	subs  []eventbus.Subscription
}

// New builds every component of the node from cfg. Nothing is bound or
// loaded before Start.
func New(cfg *config.NodeConfig, opts Options) (*Node, error) {
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := opts.Logger.With("node", cfg.Node.ID)

	n := &Node{
		cfg:      cfg,
		logger:   log,
		bus:      eventbus.New(log),
		metrics:  metric.NewRegistry(),
		install:  NewInstallation(log),
		shutdown: shutdown.NewHandler(opts.ShutdownTimeout, log),
	}

	listeners, err := parseAddrs(cfg.Network.Listeners)
	if err != nil {
		return nil, err
	}
	staticPeers, err := parseAddrs(cfg.Cluster.StaticPeers)
	if err != nil {
		return nil, err
	}

	n.dispatcher = network.NewDispatcher(cfg.Network.DispatcherWorkers, cfg.Network.DispatcherQueue, log)
	n.registry = network.NewListenerRegistry(nil, log)
	n.peers = cluster.NewPeerTable(cfg.Node.ID)

	n.rpc = rpc.NewEngine(rpc.Options{
		Timeout: cfg.RPC.Timeout,
		Workers: cfg.RPC.Workers,
		Logger:  log,
		Metrics: n.metrics,
	})
	n.rpc.Bind(n.registry)

	n.sync = datasync.NewRegistry(datasync.Options{
		Peers:   n.peers,
		Logger:  log,
		Metrics: n.metrics,
	})
	n.sync.Bind(n.registry)

	n.messenger = chanmsg.NewMessenger(chanmsg.Options{
		LocalNode: cfg.Node.ID,
		Peers:     n.peers,
		Bus:       n.bus,
		Logger:    log,
	})
	n.messenger.Bind(n.registry)

	var discovery *cluster.DiscoverySettings
	if d := cfg.Cluster.Discovery; d.Enabled {
		discovery = &cluster.DiscoverySettings{
			BindAddr: d.BindAddr,
			BindPort: d.BindPort,
			Seeds:    d.Seeds,
		}
	}
	n.cluster, err = cluster.NewManager(cluster.Config{
		NodeID:            cfg.Node.ID,
		ClusterID:         cfg.Node.ClusterID,
		Secret:            cfg.Node.ClusterSecret,
		Version:           opts.Version,
		Listeners:         listeners,
		Whitelist:         cfg.Network.Whitelist,
		StaticPeers:       staticPeers,
		ReconnectInterval: cfg.Cluster.ReconnectInterval,
		HandshakeTimeout:  cfg.Cluster.HandshakeTimeout,
		Discovery:         discovery,
		Channel: network.Options{
			Registry:       n.registry,
			Dispatcher:     n.dispatcher,
			Bus:            n.bus,
			Metrics:        n.metrics,
			Logger:         log,
			MaxFrameLength: cfg.Network.MaxFrameLength,
			HighWaterMark:  cfg.Network.HighWaterMark,
			WriteTimeout:   cfg.Network.WriteTimeout,
			PacketRate:     cfg.Network.PacketRate,
			PacketBurst:    cfg.Network.PacketBurst,
		},
		Sync:    n.sync,
		Peers:   n.peers,
		Metrics: n.metrics,
	})
	if err != nil {
		n.dispatcher.Close()
		return nil, err
	}
	cluster.RegisterNodeInfo(n.rpc.Handlers(), n.cluster)

	n.tasks, err = task.NewProvider(task.Options{
		Store:           task.NewFileStore(cfg.TasksDir(), log),
		Bus:             n.bus,
		Messenger:       n.messenger,
		Sync:            n.sync,
		Installation:    n.install,
		InstallDefaults: cfg.Tasks.InstallDefaults,
		Logger:          log,
		Metrics:         n.metrics,
	})
	if err != nil {
		n.dispatcher.Close()
		return nil, err
	}
	task.RegisterRPC(n.rpc.Handlers(), n.tasks)

	if cfg.Database.Enabled {
		dbCfg := storage.DefaultConfig(cfg.DatabaseDir())
		dbCfg.GCInterval = cfg.Database.GCInterval
		n.database, err = storage.Open(dbCfg, log)
		if err != nil {
			n.dispatcher.Close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		if err := n.database.RegisterMetrics(n.metrics.Prometheus()); err != nil {
			_ = n.database.Close()
			n.dispatcher.Close()
			return nil, err
		}
		storage.RegisterRPC(n.rpc.Handlers(), n.database)
	}

	n.subs = append(n.subs,
		eventbus.Subscribe(n.bus, func(ev *cluster.NodeConnectedEvent) {
			n.logger.Info("node connected", "peer", ev.Peer.Identity.UniqueID)
		}),
		eventbus.Subscribe(n.bus, func(ev *cluster.NodeDisconnectedEvent) {
			n.logger.Info("node disconnected", "peer", ev.Peer.Identity.UniqueID)
		}),
	)

	if cfg.Metrics.Enabled {
		n.metricSrv = metric.NewServer(n.metrics, n.health, log)
	}
	return n, nil
}

func parseAddrs(values []string) ([]domain.HostAndPort, error) {
	out := make([]domain.HostAndPort, 0, len(values))
	for _, v := range values {
		hp, err := domain.ParseHostAndPort(v, true)
		if err != nil {
			return nil, err
		}
		out = append(out, hp)
	}
	return out, nil
}

// Start loads the service tasks, binds the cluster listeners and the metrics
// endpoint and runs the pending first-run setups.
func (n *Node) Start(ctx context.Context) error {
	if err := n.tasks.Init(); err != nil {
		return fmt.Errorf("load service tasks: %w", err)
	}
	n.registerHooks()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.cluster.Start(gctx)
	})
	if n.metricSrv != nil {
		g.Go(func() error {
			addr, err := n.metricSrv.Listen(n.cfg.Metrics.Addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			n.metricsAddr = addr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = n.shutdown.Shutdown()
		return err
	}

	if err := n.install.Run(ctx); err != nil {
		_ = n.shutdown.Shutdown()
		return err
	}

	n.started.Store(true)
	n.logger.Info("node started",
		"listeners", len(n.cluster.Identity().Listeners),
		"tasks", len(n.tasks.Tasks()),
		"database", n.database != nil)
	return nil
}

// registerHooks registers the shutdown hooks in start order; they run in
// reverse.
func (n *Node) registerHooks() {
	n.shutdown.OnShutdown("dispatcher", func(context.Context) error {
		n.dispatcher.Close()
		return nil
	})
	if n.database != nil {
		n.shutdown.OnShutdown("database", func(context.Context) error {
			return n.database.Close()
		})
	}
	n.shutdown.OnShutdown("tasks", func(context.Context) error {
		n.tasks.Close()
		return nil
	})
	n.shutdown.OnShutdown("rpc", func(context.Context) error {
		n.rpc.Close()
		return nil
	})
	n.shutdown.OnShutdown("cluster", n.cluster.Shutdown)
	if n.metricSrv != nil {
		n.shutdown.OnShutdown("metrics", func(ctx context.Context) error {
			if n.metricsAddr == "" {
				return nil
			}
			return n.metricSrv.Shutdown(ctx)
		})
	}
	n.shutdown.OnShutdown("events", func(context.Context) error {
		n.started.Store(false)
		for _, s := range n.subs {
			s.Unsubscribe()
		}
		return nil
	})
}

// Run starts the node and blocks until SIGINT, SIGTERM or the end of ctx,
// then shuts it down.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	return n.shutdown.Wait(ctx)
}

// Shutdown stops every component. Safe to call more than once.
func (n *Node) Shutdown() error {
	return n.shutdown.Shutdown()
}

// OnShutdown registers fn to run first when the node shuts down.
func (n *Node) OnShutdown(name string, fn func(context.Context) error) {
	n.shutdown.OnShutdown(name, fn)
}

func (n *Node) health() error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Config returns the configuration the node was built with.
func (n *Node) Config() *config.NodeConfig {
	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()
	return n.cfg
}

// Bus returns the event bus shared by every component.
func (n *Node) Bus() *eventbus.Bus { return n.bus }

// Cluster returns the cluster manager.
func (n *Node) Cluster() *cluster.Manager { return n.cluster }

// RPC returns the RPC engine.
func (n *Node) RPC() *rpc.Engine { return n.rpc }

// Sync returns the data sync registry.
func (n *Node) Sync() *datasync.Registry { return n.sync }

// Messenger returns the channel message sender.
func (n *Node) Messenger() *chanmsg.Messenger { return n.messenger }

// Tasks returns the service task provider.
func (n *Node) Tasks() *task.Provider { return n.tasks }

// Database returns the local database, or nil when it is disabled.
func (n *Node) Database() *storage.Engine { return n.database }

// Installation returns the first-run setups.
func (n *Node) Installation() *Installation { return n.install }

// Metrics returns the metric registry.
func (n *Node) Metrics() *metric.Registry { return n.metrics }

// MetricsAddr returns the bound metrics address, empty when disabled or not
// started.
func (n *Node) MetricsAddr() string { return n.metricsAddr }
