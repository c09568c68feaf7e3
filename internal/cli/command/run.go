package command

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/iknow13/CloudNet-v3/internal/infra/buildinfo"
	"github.com/iknow13/CloudNet-v3/internal/node"
	"github.com/iknow13/CloudNet-v3/internal/node/config"
	"github.com/iknow13/CloudNet-v3/internal/telemetry/logger"
)

// RunCommand starts the node.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the node and block until SIGINT or SIGTERM",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "node-id",
				Usage: "Override node.id",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level",
			},
			&cli.StringSliceFlag{
				Name:  "peer",
				Usage: "Add a static peer (host:port); may be repeated",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Apply configuration file changes at runtime",
				Value: true,
			},
		},
		Action: runNode,
	}
}

func runOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	if v := c.String("node-id"); v != "" {
		overrides["node.id"] = v
	}
	if v := c.String("log-level"); v != "" {
		overrides["log.level"] = v
	}
	if v := c.StringSlice("peer"); len(v) > 0 {
		overrides["cluster.static_peers"] = v
	}
	return overrides
}

func runNode(c *cli.Context) error {
	path := c.String("config")
	overrides := runOverrides(c)
	load := func() (*config.NodeConfig, error) {
		return LoadConfig(path, overrides)
	}

	cfg, err := load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Verify(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting cloudnet-node",
		"version", info.Version,
		"commit", info.Commit,
		"node_id", cfg.Node.ID,
		"config", path)

	n, err := node.New(cfg, node.Options{Logger: log.Slog(), Version: info.Version})
	if err != nil {
		return err
	}
	if path != "" && c.Bool("watch") {
		if err := n.WatchConfig(path, load); err != nil {
			log.Warn("configuration watcher disabled", "error", err)
		}
	}

	ctx := logger.WithNodeID(logger.WithLogger(c.Context, log), cfg.Node.ID)
	if err := n.Run(ctx); err != nil {
		logger.L(ctx).Error("node stopped with error", "error", err)
		return err
	}
	logger.L(ctx).Info("node stopped")
	return nil
}
