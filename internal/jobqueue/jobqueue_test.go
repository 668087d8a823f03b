package jobqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valenai/internal/config"
)

type stubRefresher struct {
	err  error
	args []TitleRefreshArgs
}

func (s *stubRefresher) RefreshTitle(ctx context.Context, chatID, userID, seed, fallback string) error {
	s.args = append(s.args, TitleRefreshArgs{ChatID: chatID, UserID: userID, Seed: seed, Fallback: fallback})
	return s.err
}

func testJob(attempt int, args TitleRefreshArgs) *river.Job[TitleRefreshArgs] {
	return &river.Job[TitleRefreshArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, Kind: args.Kind()},
		Args:   args,
	}
}

func TestTitleRefreshWorkerWork(t *testing.T) {
	ref := &stubRefresher{}
	w := &TitleRefreshWorker{titles: ref, config: DefaultQueueConfig()}
	args := TitleRefreshArgs{ChatID: "c1", UserID: "u1", Seed: "Hi", Fallback: "Friendly Greeting"}

	require.NoError(t, w.Work(context.Background(), testJob(1, args)))
	assert.Equal(t, []TitleRefreshArgs{args}, ref.args)
}

func TestTitleRefreshWorkerReturnsErrorForRetry(t *testing.T) {
	cause := errors.New("upstream down")
	w := &TitleRefreshWorker{titles: &stubRefresher{err: cause}, config: DefaultQueueConfig()}

	err := w.Work(context.Background(), testJob(2, TitleRefreshArgs{ChatID: "c1"}))
	assert.ErrorIs(t, err, cause)
}

func TestTitleRefreshWorkerSchedule(t *testing.T) {
	cfg := DefaultQueueConfig()
	w := &TitleRefreshWorker{config: cfg}

	assert.Equal(t, cfg.JobTimeout, w.Timeout(testJob(1, TitleRefreshArgs{})))

	next := w.NextRetry(testJob(2, TitleRefreshArgs{}))
	wait := time.Until(next)
	assert.InDelta(t, float64(time.Minute), float64(wait), float64(time.Second))
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{InitialInterval: time.Second, MaxInterval: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 8*time.Second, p.Backoff(4))
	assert.Equal(t, 10*time.Second, p.Backoff(10))
}

func TestQueueConfigFrom(t *testing.T) {
	c := QueueConfigFrom(config.JobsConfig{MaxWorkers: 8, TitleRefreshAttempts: 3})
	assert.Equal(t, 8, c.MaxWorkers)
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, 8, c.RiverQueueConfig()[river.QueueDefault].MaxWorkers)

	d := QueueConfigFrom(config.JobsConfig{})
	assert.Equal(t, DefaultQueueConfig().MaxWorkers, d.MaxWorkers)
	assert.Equal(t, DefaultQueueConfig().MaxAttempts, d.MaxAttempts)
}

func TestTitleRefreshArgsKind(t *testing.T) {
	assert.Equal(t, "title_refresh", TitleRefreshArgs{}.Kind())
}
