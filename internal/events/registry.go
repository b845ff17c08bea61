package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Handler processes the resource a background event refers to.
type Handler interface {
	Handle(ctx context.Context, resource connect.Resource) (domain.ProcessingResponse, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, resource connect.Resource) (domain.ProcessingResponse, error)

func (f HandlerFunc) Handle(ctx context.Context, resource connect.Resource) (domain.ProcessingResponse, error) {
	return f(ctx, resource)
}

// Definition describes where the object of an event type lives remotely.
type Definition struct {
	Type               string `json:"type"`
	CollectionEndpoint string `json:"api_collection_endpoint"`
	ResourceEndpoint   string `json:"api_resource_endpoint"`
	CollectionFilter   string `json:"api_collection_filter"`
}

// RenderFilter substitutes the supported statuses and the object id into the
// collection filter. $_statuses_ and $_object_id_ (or their ${...} forms)
// are the only placeholders; $$ is a literal dollar.
func (d Definition) RenderFilter(statuses []string, objectID string) (string, error) {
	var unknown []string
	out := os.Expand(d.CollectionFilter, func(name string) string {
		switch name {
		case "_statuses_":
			return "(" + strings.Join(statuses, ",") + ")"
		case "_object_id_":
			return objectID
		case "$":
			return "$"
		}
		unknown = append(unknown, name)
		return ""
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("filter for %s: unknown placeholder %q", d.Type, unknown[0])
	}
	return out, nil
}

// ResourcePath returns the resource endpoint with the object id in place of {pk}.
func (d Definition) ResourcePath(objectID string) string {
	return strings.ReplaceAll(d.ResourceEndpoint, "{pk}", url.PathEscape(objectID))
}

// Descriptor binds an event type to the handler method serving it.
type Descriptor struct {
	EventType string
	Method    string
	Statuses  []string
	Handler   Handler
}

// Registry maps event types to their definition and handler. It is populated
// once at boot and read concurrently afterwards.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	descriptors map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]Definition),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds an event type. Re-registering replaces the previous entry.
func (r *Registry) Register(def Definition, desc Descriptor) error {
	if def.Type == "" {
		return fmt.Errorf("event definition without type")
	}
	if desc.Handler == nil {
		return fmt.Errorf("event %s: handler is required", def.Type)
	}
	if len(desc.Statuses) == 0 {
		return fmt.Errorf("event %s: at least one supported status is required", def.Type)
	}
	desc.EventType = def.Type

	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.Type] = def
	r.descriptors[def.Type] = desc
	return nil
}

// Lookup returns the descriptor and definition for an event type.
func (r *Registry) Lookup(eventType string) (Descriptor, Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.descriptors[eventType]
	if !ok {
		return Descriptor{}, Definition{}, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
	}
	return desc, r.definitions[eventType], nil
}

// Types returns the registered event types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
