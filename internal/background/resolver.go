package background

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
	"eventrunner/internal/events"
)

// Gateway is the remote collection API the resolver queries.
type Gateway interface {
	Count(ctx context.Context, collection, filter string) (int, error)
	Fetch(ctx context.Context, path string) (connect.Resource, error)
}

// Dialer returns a gateway bound to identity.
type Dialer func(identity connect.Identity) Gateway

// ConnectDialer dials the real API client.
func ConnectDialer(opts ...connect.ClientOption) Dialer {
	return func(identity connect.Identity) Gateway {
		return connect.NewClient(identity, opts...)
	}
}

// Resolution is either an argument to hand to the handler or a short-circuit
// skip that must not reach the handler at all.
type Resolution struct {
	Argument    connect.Resource
	skipMessage string
	skipped     bool
}

func Proceed(argument connect.Resource) Resolution {
	return Resolution{Argument: argument}
}

func ShortCircuit(message string) Resolution {
	return Resolution{skipMessage: message, skipped: true}
}

// ShortCircuited reports whether resolution stopped early, and why.
func (r Resolution) ShortCircuited() (string, bool) {
	return r.skipMessage, r.skipped
}

// Resolver fetches the object a task refers to, provided it is still in one
// of the statuses its handler supports.
type Resolver struct {
	dial Dialer
}

func NewResolver(dial Dialer) *Resolver {
	return &Resolver{dial: dial}
}

// Resolve checks the remote object state and fetches it. Gateway errors are
// returned as is.
func (r *Resolver) Resolve(ctx context.Context, task domain.Task, desc events.Descriptor, def events.Definition, identity connect.Identity) (Resolution, error) {
	gw := r.dial(identity)

	filter, err := def.RenderFilter(desc.Statuses, task.Input.ObjectID)
	if err != nil {
		return Resolution{}, err
	}

	n, err := gw.Count(ctx, def.CollectionEndpoint, filter)
	if err != nil {
		return Resolution{}, fmt.Errorf("counting %s: %w", def.CollectionEndpoint, err)
	}
	if n == 0 {
		log.Info().
			Str("task_id", task.Options.TaskID).
			Str("event_type", task.Input.EventType).
			Msg("send skip response since the current request status is not supported")
		return ShortCircuit(UnsupportedStatusMessage(desc.Statuses)), nil
	}

	res, err := gw.Fetch(ctx, def.ResourcePath(task.Input.ObjectID))
	if err != nil {
		return Resolution{}, fmt.Errorf("fetching %s: %w", task.Input.ObjectID, err)
	}
	return Proceed(res), nil
}

// UnsupportedStatusMessage explains a short-circuit skip.
func UnsupportedStatusMessage(statuses []string) string {
	return "The request status does not match the supported statuses: " + strings.Join(statuses, ",") + "."
}
