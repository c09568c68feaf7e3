package node

import (
	"context"
	"slices"

	"github.com/iknow13/CloudNet-v3/internal/infra/confloader"
	"github.com/iknow13/CloudNet-v3/internal/node/config"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
)

// ApplyConfig applies the runtime-adjustable settings of cfg. Only the log
// level changes without a restart; other differences are logged.
func (n *Node) ApplyConfig(cfg *config.NodeConfig) error {
	if err := config.Verify(cfg); err != nil {
		return err
	}

	n.cfgMu.Lock()
	defer n.cfgMu.Unlock()

	if cfg.Log.Level != n.cfg.Log.Level {
		if err := logger.SetLevel(cfg.Log.Level); err != nil {
			return err
		}
		n.logger.Info("log level changed", "from", n.cfg.Log.Level, "to", cfg.Log.Level)
	}
	if !slices.Equal(cfg.Network.Listeners, n.cfg.Network.Listeners) ||
		!slices.Equal(cfg.Cluster.StaticPeers, n.cfg.Cluster.StaticPeers) ||
		cfg.Node.ID != n.cfg.Node.ID {
		n.logger.Warn("node identity or network changes need a restart")
	}

	next := *n.cfg
	next.Log = cfg.Log
	n.cfg = &next
	return nil
}

// WatchConfig reloads the configuration with load whenever the file at path
// changes and applies it with ApplyConfig. The watcher stops on shutdown.
func (n *Node) WatchConfig(path string, load func() (*config.NodeConfig, error)) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(n.logger))
	if err != nil {
		return err
	}
	if err := w.Watch(path); err != nil {
		_ = w.Stop()
		return err
	}
	w.OnChange(func(string) {
		cfg, err := load()
		if err != nil {
			n.logger.Error("reload configuration", "error", err)
			return
		}
		if err := n.ApplyConfig(cfg); err != nil {
			n.logger.Error("apply configuration", "error", err)
		}
	})
	w.StartAsync()

	n.shutdown.OnShutdown("config-watcher", func(context.Context) error {
		return w.Stop()
	})
	return nil
}
