package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"eventrunner/internal/domain"
	"eventrunner/internal/queue"
)

// Processor turns a task into its result message.
type Processor interface {
	Process(ctx context.Context, task domain.Task) domain.Result
}

// Sender hands a result to the orchestrator. Delivery is attempted once.
type Sender interface {
	Send(ctx context.Context, res domain.Result) error
}

// Senders delivers a result through each sender in turn. Every sender is
// tried; their errors are joined.
type Senders []Sender

func (s Senders) Send(ctx context.Context, res domain.Result) error {
	var errs []error
	for _, sender := range s {
		if err := sender.Send(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Pool struct {
	repo      queue.Repository
	processor Processor
	sender    Sender
	sem       chan struct{}
	wg        sync.WaitGroup
	pollEvery time.Duration
	lease     time.Duration
}

// NewPool creates a pool running at most size tasks at once. lease should
// exceed the longest task budget so a running task is not recovered twice.
// sender may be nil when results are only journaled.
func NewPool(repo queue.Repository, processor Processor, sender Sender, size int, pollEvery, lease time.Duration) *Pool {
	return &Pool{
		repo:      repo,
		processor: processor,
		sender:    sender,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
		lease:     lease,
	}
}

// Run polls the queue until ctx is done, then waits for running tasks.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		rec, err := p.repo.LeaseNext(ctx, time.Now(), p.lease)
		if err != nil {
			<-p.sem
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				log.Error().Err(err).Msg("lease next task")
			}
			return
		}
		p.wg.Add(1)
		go func(rec domain.TaskRecord) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.handle(ctx, rec)
		}(rec)
	}
}

func (p *Pool) handle(ctx context.Context, rec domain.TaskRecord) {
	task := rec.Task
	res := p.processor.Process(ctx, task)
	res.Attempt = rec.Attempts
	l := log.With().Str("task_id", task.Options.TaskID).Int("attempt", res.Attempt).Logger()

	// journal and deliver even when shutting down mid-task
	ctx = context.WithoutCancel(ctx)
	if err := p.repo.Complete(ctx, res); err != nil {
		l.Error().Err(err).Msg("journal result")
	}
	// without a sender the journal is the only sink
	if p.sender != nil {
		if err := p.sender.Send(ctx, res); err != nil {
			l.Error().Err(err).Msg("deliver result")
			return
		}
	}
	if err := p.repo.MarkDelivered(ctx, task.Options.TaskID, res.Attempt, time.Now()); err != nil {
		l.Error().Err(err).Msg("mark result delivered")
		return
	}
	l.Debug().Str("result", string(res.Output.Result)).Msg("result delivered")
}
