package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/valenai/internal/aiconnectors"
	"github.com/valenai/internal/api"
	"github.com/valenai/internal/chat"
	"github.com/valenai/internal/config"
	"github.com/valenai/internal/conversation"
	"github.com/valenai/internal/database"
	"github.com/valenai/internal/jobqueue"
	"github.com/valenai/internal/llm"
	"github.com/valenai/internal/prompts"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the Valen API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading configuration",
			},
		},
		Action: runAPI,
	}
}

// loadConfig reads the configuration named by the global --config flag,
// loading --env-file first when the command has one.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if envFile := c.String("env-file"); envFile != "" {
		if err := LoadEnvFile(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg)

	ctx := c.Context
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, err := llm.NewKeyRing(cfg.Gemini.APIKeys)
	if err != nil {
		return err
	}
	connector := aiconnectors.NewConnector(cfg.Gemini.Model, nil)
	gateway := llm.NewGateway(connector, keys, llm.Options{
		AssistantName: cfg.Assistant.Name,
		Timeout:       cfg.Gemini.Timeout,
	})

	svc := chat.NewService(store, gateway, chat.Config{
		Persona: prompts.Persona(cfg.Assistant.Name, cfg.Assistant.Persona),
		Generation: aiconnectors.ModelConfig{
			Temperature: cfg.Gemini.Temperature,
			MaxTokens:   cfg.Gemini.MaxOutputTokens,
			TopP:        cfg.Gemini.TopP,
			TopK:        cfg.Gemini.TopK,
			Model:       cfg.Gemini.Model,
		},
	})

	server := api.NewServer(cfg.Server, svc)

	if cfg.Jobs.Enabled {
		pool, queue, err := startJobQueue(ctx, cfg, svc)
		if err != nil {
			return err
		}
		svc.SetTitleRefresher(queue)
		server.OnShutdown(func(ctx context.Context) error {
			defer pool.Close()
			return queue.Stop(ctx)
		})
	}

	ev := log.Info().Int("usable_keys", keys.Len())
	for _, s := range cfg.Summary() {
		ev = ev.Str(s.Name, s.Value)
	}
	ev.Msg("Starting Valen API server")

	return server.Start()
}

// openStore builds the configured turn store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config) (conversation.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := database.ApplySchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return conversation.NewPostgresStore(db), func() { db.Close() }, nil

	case config.StoreFile:
		fs, err := conversation.OpenFileStore(cfg.Store.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil

	case config.StoreMemory:
		log.Warn().Msg("Using the in-memory store; conversations are lost on restart")
		return conversation.NewInMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func startJobQueue(ctx context.Context, cfg *config.Config, titles jobqueue.TitleRefresher) (*pgxpool.Pool, *jobqueue.JobQueue, error) {
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := jobqueue.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	queue, err := jobqueue.NewJobQueue(pool, jobqueue.QueueConfigFrom(cfg.Jobs), titles)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := queue.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to start job queue: %w", err)
	}
	return pool, queue, nil
}
