package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"eventrunner/internal/domain"
	"eventrunner/internal/queue"
)

type fakeProcessor struct {
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (p *fakeProcessor) Process(_ context.Context, task domain.Task) domain.Result {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return domain.Result{Options: task.Options, Input: task.Input, Output: domain.TaskOutput{Result: domain.ResultSuccess}}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []domain.Result
	err  error
}

func (s *fakeSender) Send(_ context.Context, res domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, res)
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func enqueue(t *testing.T, repo queue.Repository, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := repo.Enqueue(context.Background(), domain.Task{
			Options: domain.TaskOptions{TaskID: id},
			Input:   domain.TaskInput{EventType: "order_processing", ObjectID: "PR-1"},
		})
		require.NoError(t, err)
	}
}

func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestPoolProcessesQueuedTasks(t *testing.T) {
	repo := newRepo(t)
	enqueue(t, repo, "TQ-1", "TQ-2", "TQ-3")
	sender := &fakeSender{}

	stop := runPool(t, NewPool(repo, &fakeProcessor{}, sender, 2, 10*time.Millisecond, time.Minute))
	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	stop()

	for _, id := range []string{"TQ-1", "TQ-2", "TQ-3"} {
		res, err := repo.GetResult(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.ResultSuccess, res.Output.Result)
		assert.Equal(t, 1, res.Attempt)

		rec, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, queue.StateDone, rec.State)
	}
}

func TestPoolRespectsSize(t *testing.T) {
	repo := newRepo(t)
	enqueue(t, repo, "TQ-1", "TQ-2", "TQ-3", "TQ-4")
	proc := &fakeProcessor{delay: 30 * time.Millisecond}
	sender := &fakeSender{}

	stop := runPool(t, NewPool(repo, proc, sender, 2, 5*time.Millisecond, time.Minute))
	require.Eventually(t, func() bool { return sender.count() == 4 }, 2*time.Second, 10*time.Millisecond)
	stop()

	assert.LessOrEqual(t, proc.peak.Load(), int32(2))
}

func TestPoolJournalsWhenDeliveryFails(t *testing.T) {
	repo := newRepo(t)
	enqueue(t, repo, "TQ-1")
	sender := &fakeSender{err: errors.New("nats: no responders")}

	stop := runPool(t, NewPool(repo, &fakeProcessor{}, sender, 1, 10*time.Millisecond, time.Minute))
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	stop()

	_, err := repo.GetResult(context.Background(), "TQ-1")
	assert.NoError(t, err)
	undelivered, err := repo.CountUndelivered(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, undelivered)
}

func TestPoolWithoutSender(t *testing.T) {
	repo := newRepo(t)
	enqueue(t, repo, "TQ-1")

	stop := runPool(t, NewPool(repo, &fakeProcessor{}, nil, 1, 10*time.Millisecond, time.Minute))
	require.Eventually(t, func() bool {
		_, err := repo.GetResult(context.Background(), "TQ-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	undelivered, err := repo.CountUndelivered(context.Background())
	require.NoError(t, err)
	assert.Zero(t, undelivered)
}

func TestPoolProcessesRedeliveredTask(t *testing.T) {
	repo := newRepo(t)
	enqueue(t, repo, "TQ-1")
	sender := &fakeSender{}

	stop := runPool(t, NewPool(repo, &fakeProcessor{}, sender, 1, 5*time.Millisecond, time.Minute))
	defer stop()
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	enqueue(t, repo, "TQ-1")
	require.Eventually(t, func() bool { return sender.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	attempts := []int{sender.sent[0].Attempt, sender.sent[1].Attempt}
	sender.mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)

	require.Eventually(t, func() bool {
		history, err := repo.ListResults(context.Background(), "TQ-1")
		return err == nil && len(history) == 2
	}, 2*time.Second, 5*time.Millisecond)
}
