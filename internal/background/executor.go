package background

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"eventrunner/internal/domain"
	"eventrunner/internal/events"
)

// InvocationKind tags how a bounded attempt ended.
type InvocationKind int

const (
	Completed InvocationKind = iota + 1
	Failed
	DeadlineExceeded
	ShortCircuited
)

func (k InvocationKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case DeadlineExceeded:
		return "deadline_exceeded"
	case ShortCircuited:
		return "short_circuited"
	}
	return "unknown"
}

// Invocation is the raw result of one bounded attempt. The executor never
// interprets Response.
type Invocation struct {
	Kind        InvocationKind
	Response    domain.ProcessingResponse
	Err         error
	Detail      string
	SkipMessage string
	Budget      time.Duration
	// Runtime covers the handler call only; zero when it was never entered.
	Runtime time.Duration
}

// Call is what runs inside the budget: argument resolution followed by the
// handler.
type Call struct {
	Resolve func(ctx context.Context) (Resolution, error)
	Handler events.Handler
}

// Executor runs calls under a deadline.
type Executor struct{}

func NewExecutor() *Executor { return &Executor{} }

// Execute runs call under budget. It returns as soon as the call finishes or
// the budget expires, whichever comes first. An abandoned call keeps running
// in the background and its result is dropped.
func (e *Executor) Execute(ctx context.Context, budget time.Duration, call Call) Invocation {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var invokedAt atomic.Pointer[time.Time]
	done := make(chan Invocation, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				inv := Invocation{
					Kind:   Failed,
					Err:    fmt.Errorf("panic: %v", rec),
					Detail: fmt.Sprintf("panic: %v\n\n%s", rec, debug.Stack()),
				}
				if p := invokedAt.Load(); p != nil {
					inv.Runtime = time.Since(*p)
				}
				done <- inv
			}
		}()

		res, err := call.Resolve(ctx)
		if err != nil {
			done <- Invocation{Kind: Failed, Err: err, Detail: err.Error()}
			return
		}
		if msg, ok := res.ShortCircuited(); ok {
			done <- Invocation{Kind: ShortCircuited, SkipMessage: msg}
			return
		}

		start := time.Now()
		invokedAt.Store(&start)
		resp, err := call.Handler.Handle(ctx, res.Argument)
		runtime := time.Since(start)
		if err != nil {
			done <- Invocation{Kind: Failed, Err: err, Detail: err.Error(), Runtime: runtime}
			return
		}
		done <- Invocation{Kind: Completed, Response: resp, Runtime: runtime}
	}()

	var inv Invocation
	select {
	case inv = <-done:
		if inv.Kind == Failed && errors.Is(inv.Err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			inv.Kind = DeadlineExceeded
		}
	case <-ctx.Done():
		inv = Invocation{Kind: DeadlineExceeded, Err: ctx.Err()}
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// parent went away, e.g. shutdown
			inv.Kind = Failed
			inv.Detail = "task attempt canceled: " + ctx.Err().Error()
		}
		if p := invokedAt.Load(); p != nil {
			inv.Runtime = time.Since(*p)
		}
	}
	inv.Budget = budget
	return inv
}
