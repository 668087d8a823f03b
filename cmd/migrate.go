package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/valenai/internal/config"
	"github.com/valenai/internal/database"
	"github.com/valenai/internal/jobqueue"
)

// MigrateCommand creates the conversation tables and, when jobs are
// enabled, the River tables.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` first",
			},
		},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	if cfg.Store.Driver != config.StorePostgres {
		return fmt.Errorf("migrate needs the postgres store, configured driver is %q", cfg.Store.Driver)
	}

	ctx := c.Context
	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.ApplySchema(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("Conversation schema is up to date")

	if !cfg.Jobs.Enabled {
		return nil
	}

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := jobqueue.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("Job queue schema is up to date")
	return nil
}
