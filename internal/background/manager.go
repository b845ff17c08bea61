package background

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
	"eventrunner/internal/events"
)

// TimeoutFunc returns the budget for a task category.
type TimeoutFunc func(category string) time.Duration

// Manager processes background event tasks into result messages.
type Manager struct {
	registry *events.Registry
	resolver *Resolver
	executor *Executor
	identity connect.Identity
	timeout  TimeoutFunc
}

func NewManager(registry *events.Registry, dial Dialer, identity connect.Identity, timeout TimeoutFunc) *Manager {
	return &Manager{
		registry: registry,
		resolver: NewResolver(dial),
		executor: NewExecutor(),
		identity: identity,
		timeout:  timeout,
	}
}

// Process runs one task attempt and always returns its result message.
func (m *Manager) Process(ctx context.Context, task domain.Task) domain.Result {
	l := log.With().
		Str("task_id", task.Options.TaskID).
		Str("event_type", task.Input.EventType).
		Logger()

	desc, def, err := m.registry.Lookup(task.Input.EventType)
	if err != nil {
		l.Error().Err(err).Msg("no handler for event type")
		return BuildResult(task, domain.TaskOutput{Result: domain.ResultFail, Message: err.Error()})
	}

	identity := m.identity
	if task.Options.APIKey != "" {
		identity = identity.WithAPIKey(task.Options.APIKey)
	}

	budget := m.timeout(task.CategoryOrDefault())
	inv := m.executor.Execute(ctx, budget, Call{
		Resolve: func(ctx context.Context) (Resolution, error) {
			return m.resolver.Resolve(ctx, task, desc, def, identity)
		},
		Handler: desc.Handler,
	})

	out := Classify(inv)
	ev := l.Info()
	if inv.Kind == Failed || inv.Kind == DeadlineExceeded {
		ev = l.Warn().Err(inv.Err)
	}
	ev = ev.Str("method", desc.Method).Str("result", string(out.Result)).Str("invocation", inv.Kind.String())
	if out.Runtime != nil {
		ev = ev.Float64("took", *out.Runtime)
	}
	ev.Msg("background task processed")

	return BuildResult(task, out)
}
