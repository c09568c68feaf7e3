package command

import (
	"github.com/urfave/cli/v2"

	"github.com/iknow13/CloudNet-v3/internal/cli/output"
	"github.com/iknow13/CloudNet-v3/internal/infra/buildinfo"
)

// VersionCommand prints the build information.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(c *cli.Context) error {
			return render(c, versionInfo(buildinfo.Get()))
		},
	}
}

type versionInfo buildinfo.Info

func (v versionInfo) Table() *output.Table {
	t := output.NewTable("VERSION", "COMMIT", "BUILT", "GO")
	t.AddRow(v.Version, v.Commit, v.BuildTime, v.GoVersion)
	return t
}
