package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/valenai/internal/api"
)

// TokenCommand issues bearer tokens for deployments with server.jwt_secret set.
func TokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an API bearer token",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User id carried as the token subject",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime, 0 for no expiry",
				Value: 24 * time.Hour,
			},
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
			token, err := api.IssueToken(cfg.Server.JWTSecret, c.String("user"), c.Duration("ttl"))
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
}
