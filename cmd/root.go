package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/rubiojr/bridgectl/pkg/config"
	bridgelog "github.com/rubiojr/bridgectl/pkg/log"
	"github.com/rubiojr/bridgectl/pkg/version"
)

// RootCommand assembles the bridgectl CLI: global flags plus the serve,
// init-config, and cache-stats subcommands.
func RootCommand() *cli.Command {
	return &cli.Command{
		Name:  "bridgectl",
		Usage: "Run and inspect the real-time bridge server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: config.GetDefaultConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			bridgelog.SetGlobalDebug(c.Bool("debug"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			ServeCommand(),
			InitConfigCommand(),
			CacheStatsCommand(),
			VersionCommand(),
		},
	}
}

// VersionCommand prints the build version.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(ctx context.Context, c *cli.Command) error {
			fmt.Println(version.BuildVersion())
			return nil
		},
	}
}
