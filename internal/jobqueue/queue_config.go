/*
Package jobqueue runs background work on River, backed by the same Postgres
database as the conversation store.

Jobs:
  - title_refresh: retries model title generation for chats that were created
    with a fallback title. The worker never overwrites a title the user changed.

Tuning:
  - MaxWorkers bounds concurrent jobs, and with it concurrent upstream calls.
  - MaxAttempts bounds how often a job runs before River discards it.
  - RetryPolicy spaces attempts out so a key that ran out of quota can recover.
*/
package jobqueue

import (
	"math"
	"time"

	"github.com/riverqueue/river"

	"github.com/valenai/internal/config"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	MaxWorkers  int           // concurrent workers (default: 4)
	MaxAttempts int           // attempts per job before it is discarded (default: 5)
	JobTimeout  time.Duration // maximum run time of one attempt (default: 2 minutes)
	RetryPolicy RetryPolicy
}

// RetryPolicy defines how failed jobs are retried
type RetryPolicy struct {
	InitialInterval time.Duration // wait before the first retry (default: 30s)
	MaxInterval     time.Duration // cap on the wait between retries (default: 1h)
	Multiplier      float64       // growth factor per attempt (default: 2.0)
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 5,
		JobTimeout:  2 * time.Minute,
		RetryPolicy: RetryPolicy{
			InitialInterval: 30 * time.Second,
			MaxInterval:     1 * time.Hour,
			Multiplier:      2.0,
		},
	}
}

// QueueConfigFrom applies the jobs section of the application config.
func QueueConfigFrom(cfg config.JobsConfig) *QueueConfig {
	c := DefaultQueueConfig()
	if cfg.MaxWorkers > 0 {
		c.MaxWorkers = cfg.MaxWorkers
	}
	if cfg.TitleRefreshAttempts > 0 {
		c.MaxAttempts = cfg.TitleRefreshAttempts
	}
	return c
}

// Backoff returns the wait before the retry that follows attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialInterval) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	return time.Duration(d)
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
