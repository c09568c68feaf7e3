package command

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/iknow13/CloudNet-v3/internal/cli/output"
	"github.com/iknow13/CloudNet-v3/internal/infra/buildinfo"
)

// App creates the cloudnet-node application.
func App() *cli.App {
	return &cli.App{
		Name:    "cloudnet-node",
		Usage:   "CloudNet cluster node",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			RunCommand(),
			TasksCommand(),
			ConfigCommand(),
			VersionCommand(),
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML configuration file",
			EnvVars: []string{"CLOUDNET_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
	}
}

// render formats data with the format chosen by the global output flag.
func render(c *cli.Context, data any) error {
	format, err := output.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	return output.NewFormatter(format).Format(writer(c), data)
}

func writer(c *cli.Context) io.Writer {
	return c.App.Writer
}

func printf(c *cli.Context, format string, args ...any) {
	fmt.Fprintf(writer(c), format, args...)
}
