package events

import (
	"encoding/json"
	"fmt"
	"os"
)

// Factory builds a handler from its raw JSON configuration.
type Factory func(config json.RawMessage) (Handler, error)

type fileEvent struct {
	Definition
	Method   string   `json:"method"`
	Statuses []string `json:"statuses"`
	Handler  struct {
		Kind   string          `json:"kind"`
		Config json.RawMessage `json:"config"`
	} `json:"handler"`
}

type file struct {
	Events []fileEvent `json:"events"`
}

// LoadFile reads an events file and registers every event in it, building
// handlers through the factory registered for their kind.
func LoadFile(path string, factories map[string]Factory) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading events file: %w", err)
	}
	return Load(data, factories)
}

// Load is LoadFile over an in-memory document.
func Load(data []byte, factories map[string]Factory) (*Registry, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding events file: %w", err)
	}

	reg := NewRegistry()
	for _, ev := range f.Events {
		factory, ok := factories[ev.Handler.Kind]
		if !ok {
			return nil, fmt.Errorf("event %s: unknown handler kind %q", ev.Type, ev.Handler.Kind)
		}
		h, err := factory(ev.Handler.Config)
		if err != nil {
			return nil, fmt.Errorf("event %s: building %s handler: %w", ev.Type, ev.Handler.Kind, err)
		}
		method := ev.Method
		if method == "" {
			method = ev.Handler.Kind
		}
		if err := reg.Register(ev.Definition, Descriptor{Method: method, Statuses: ev.Statuses, Handler: h}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
