package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"eventrunner/internal/domain"
)

func newRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLiteRepo(db)
}

func task(id string) domain.Task {
	return domain.Task{
		Options: domain.TaskOptions{TaskID: id, APIKey: "scoped"},
		Input:   domain.TaskInput{EventType: "order_processing", ObjectID: "PR-" + id},
	}
}

func TestEnqueueAndLease(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id, err := repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)
	assert.Equal(t, "TQ-1", id)
	_, err = repo.Enqueue(ctx, task("TQ-2"))
	require.NoError(t, err)

	// duplicate delivery while still queued is ignored
	_, err = repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)

	now := time.Now()
	first, err := repo.LeaseNext(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task("TQ-1"), first.Task)
	assert.Equal(t, StateRunning, first.State)
	assert.Equal(t, 1, first.Attempts)

	// nor while running
	_, err = repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)

	second, err := repo.LeaseNext(ctx, now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "TQ-2", second.Task.Options.TaskID)

	_, err = repo.LeaseNext(ctx, now, time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	rec, err := repo.Get(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rec.State)
	assert.Equal(t, 1, rec.Attempts)
}

func TestEnqueueRequiresID(t *testing.T) {
	_, err := newRepo(t).Enqueue(context.Background(), domain.Task{})
	assert.Error(t, err)
}

func TestComplete(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	_, err := repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)
	_, err = repo.LeaseNext(ctx, time.Now(), time.Minute)
	require.NoError(t, err)

	countdown, runtime := 300, 0.25
	res := domain.Result{
		Options: domain.TaskOptions{TaskID: "TQ-1"},
		Input:   task("TQ-1").Input,
		Output:  domain.TaskOutput{Result: domain.ResultReschedule, Countdown: &countdown, Runtime: &runtime},
		Attempt: 1,
	}
	require.NoError(t, repo.Complete(ctx, res))

	got, err := repo.GetResult(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, res, got)

	rec, err := repo.Get(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, StateDone, rec.State)

	counts, err := repo.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.ResultReschedule])
	assert.Equal(t, 0, counts[domain.ResultSuccess])
	assert.Len(t, counts, len(domain.ResultTypes))
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.Get(ctx, "TQ-404")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetResult(ctx, "TQ-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	_, err := repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)

	leasedAt := time.Now()
	_, err = repo.LeaseNext(ctx, leasedAt, time.Second)
	require.NoError(t, err)

	n, err := repo.RecoverStale(ctx, leasedAt.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = repo.RecoverStale(ctx, leasedAt.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := repo.LeaseNext(ctx, time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "TQ-1", again.Task.Options.TaskID)
	assert.Equal(t, 2, again.Attempts)

	rec, err := repo.Get(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
}

func TestRedeliveryAfterCompletion(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	_, err := repo.Enqueue(ctx, task("TQ-1"))
	require.NoError(t, err)
	first, err := repo.LeaseNext(ctx, time.Now(), time.Minute)
	require.NoError(t, err)

	countdown := 30
	require.NoError(t, repo.Complete(ctx, domain.Result{
		Options: domain.TaskOptions{TaskID: "TQ-1"},
		Output:  domain.TaskOutput{Result: domain.ResultReschedule, Countdown: &countdown},
		Attempt: first.Attempts,
	}))

	// the orchestrator sends the task again once the countdown is over
	redelivered := task("TQ-1")
	redelivered.Input.Data = []byte(`{"round":2}`)
	id, err := repo.Enqueue(ctx, redelivered)
	require.NoError(t, err)
	assert.Equal(t, "TQ-1", id)

	rec, err := repo.Get(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, rec.State)

	second, err := repo.LeaseNext(ctx, time.Now(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, redelivered, second.Task)
	assert.Equal(t, 2, second.Attempts)

	require.NoError(t, repo.Complete(ctx, domain.Result{
		Options: domain.TaskOptions{TaskID: "TQ-1"},
		Output:  domain.TaskOutput{Result: domain.ResultSuccess},
		Attempt: second.Attempts,
	}))

	latest, err := repo.GetResult(ctx, "TQ-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSuccess, latest.Output.Result)
	assert.Equal(t, 2, latest.Attempt)

	history, err := repo.ListResults(ctx, "TQ-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ResultReschedule, history[0].Output.Result)
	assert.Equal(t, domain.ResultSuccess, history[1].Output.Result)

	counts, err := repo.CountResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.ResultReschedule])
	assert.Equal(t, 1, counts[domain.ResultSuccess])
}

func TestListRecentAndPrune(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	for _, id := range []string{"TQ-1", "TQ-2", "TQ-3"} {
		_, err := repo.Enqueue(ctx, task(id))
		require.NoError(t, err)
	}

	recs, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "TQ-3", recs[0].Task.Options.TaskID)
	assert.Equal(t, StateQueued, recs[0].State)

	for _, id := range []string{"TQ-1", "TQ-2"} {
		rec, err := repo.LeaseNext(ctx, time.Now(), time.Minute)
		require.NoError(t, err)
		require.Equal(t, id, rec.Task.Options.TaskID)
		require.NoError(t, repo.Complete(ctx, domain.Result{
			Options: domain.TaskOptions{TaskID: id},
			Output:  domain.TaskOutput{Result: domain.ResultSuccess},
			Attempt: rec.Attempts,
		}))
	}
	// only TQ-1 reached its sink
	require.NoError(t, repo.MarkDelivered(ctx, "TQ-1", 1, time.Now()))
	assert.ErrorIs(t, repo.MarkDelivered(ctx, "TQ-1", 7, time.Now()), ErrNotFound)

	undelivered, err := repo.CountUndelivered(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, undelivered)

	n, err := repo.PruneResults(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = repo.PruneResults(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, "TQ-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetResult(ctx, "TQ-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// the undelivered result and its task are kept
	_, err = repo.GetResult(ctx, "TQ-2")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "TQ-2")
	assert.NoError(t, err)
	_, err = repo.Get(ctx, "TQ-3")
	assert.NoError(t, err)
}
