package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/iknow13/CloudNet-v3/internal/cli/output"
	"github.com/iknow13/CloudNet-v3/internal/infra/confloader"
	"github.com/iknow13/CloudNet-v3/internal/node/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Print the merged configuration with secrets masked",
				Action: configShow,
			},
			{
				Name:   "check",
				Usage:  "Validate the merged configuration",
				Action: configCheck,
			},
		},
	}
}

// LoadConfig merges the defaults, the file at path, the environment and
// overrides. It does not validate the result.
func LoadConfig(path string, overrides map[string]any) (*config.NodeConfig, error) {
	cfg := config.Default()
	opts := []confloader.Option{confloader.WithOverrides(overrides)}
	if path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	if err := confloader.NewLoader(opts...).Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfig(c *cli.Context) (*config.NodeConfig, error) {
	return LoadConfig(c.String("config"), nil)
}

func configShow(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	// A nested struct has no table form.
	if format == output.FormatTable {
		format = output.FormatYAML
	}
	return output.NewFormatter(format).Format(writer(c), config.Sanitize(cfg))
}

func configCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := config.Verify(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	printf(c, "configuration is valid\n")
	return nil
}
