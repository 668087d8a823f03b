package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/valenai/internal/config"
	"github.com/valenai/internal/logging"
)

// ConfigCommand writes a starter valenai.toml and checks the effective
// configuration after file, VALEN_* and legacy variables are layered.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Write or check valenai.toml",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a starter valenai.toml",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write to `FILE`",
						Value:   "valenai.toml",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("output")
					if err := config.InitConfig(path); err != nil {
						return fmt.Errorf("failed to write %s: %w", path, err)
					}
					fmt.Printf("Wrote %s\n", path)
					return nil
				},
			},
			{
				Name:  "validate",
				Usage: "Check the effective configuration and print what the server would run with",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env-file",
						Usage: "Load environment variables from `FILE` first",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if err := config.Validate(cfg); err != nil {
						return fmt.Errorf("invalid configuration: %w", err)
					}
					for _, s := range cfg.Summary() {
						fmt.Printf("%-9s %s\n", s.Name+":", s.Value)
					}
					return nil
				},
			},
		},
	}
}

func setupLogging(cfg *config.Config) {
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
}
