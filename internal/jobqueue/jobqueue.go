package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"
)

// TitleRefreshArgs represents the arguments for a title refresh job
type TitleRefreshArgs struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	Seed     string `json:"seed"`
	Fallback string `json:"fallback"`
}

// Kind returns the job kind for River
func (TitleRefreshArgs) Kind() string {
	return "title_refresh"
}

// TitleRefresher regenerates the title of a chat still carrying fallback.
type TitleRefresher interface {
	RefreshTitle(ctx context.Context, chatID, userID, seed, fallback string) error
}

// TitleRefreshWorker handles title refresh jobs
type TitleRefreshWorker struct {
	river.WorkerDefaults[TitleRefreshArgs]
	titles TitleRefresher
	config *QueueConfig
}

// Work asks for a new title. Returning an error makes River retry the job.
func (w *TitleRefreshWorker) Work(ctx context.Context, job *river.Job[TitleRefreshArgs]) error {
	args := job.Args

	log.Debug().
		Str("chat_id", args.ChatID).
		Int("attempt", job.Attempt).
		Msg("Processing title refresh")

	if err := w.titles.RefreshTitle(ctx, args.ChatID, args.UserID, args.Seed, args.Fallback); err != nil {
		log.Warn().Err(err).
			Str("chat_id", args.ChatID).
			Int("attempt", job.Attempt).
			Msg("Title refresh failed")
		return fmt.Errorf("failed to refresh title: %w", err)
	}

	log.Info().Str("chat_id", args.ChatID).Msg("Title refresh completed")
	return nil
}

// NextRetry spaces attempts according to the queue's retry policy.
func (w *TitleRefreshWorker) NextRetry(job *river.Job[TitleRefreshArgs]) time.Time {
	return time.Now().Add(w.config.RetryPolicy.Backoff(job.Attempt))
}

// Timeout bounds a single attempt.
func (w *TitleRefreshWorker) Timeout(job *river.Job[TitleRefreshArgs]) time.Duration {
	return w.config.JobTimeout
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
}

// NewJobQueue creates a River client on pool with the title refresh worker registered.
func NewJobQueue(pool *pgxpool.Pool, config *QueueConfig, titles TitleRefresher) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &TitleRefreshWorker{titles: titles, config: config})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:  config.RiverQueueConfig(),
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers
func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueTitleRefresh queues a title refresh job
func (jq *JobQueue) EnqueueTitleRefresh(ctx context.Context, chatID, userID, seed, fallback string) error {
	args := TitleRefreshArgs{
		ChatID:   chatID,
		UserID:   userID,
		Seed:     seed,
		Fallback: fallback,
	}

	_, err := jq.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: jq.config.MaxAttempts})
	if err != nil {
		return fmt.Errorf("failed to queue title refresh job: %w", err)
	}

	log.Debug().Str("chat_id", chatID).Msg("Queued title refresh")
	return nil
}

// Migrate creates or upgrades River's tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	for _, v := range res.Versions {
		log.Info().Int("version", v.Version).Msg("Applied River migration")
	}
	return nil
}
