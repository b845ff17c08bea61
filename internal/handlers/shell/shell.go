package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
	"eventrunner/internal/events"
)

// Shell runs a command with the event resource as JSON on stdin. An empty
// stdout means success; otherwise stdout must hold a processing response.
type Shell struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Factory builds a shell handler from an events file entry.
func Factory(raw json.RawMessage) (events.Handler, error) {
	var s Shell
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	if s.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	return s, nil
}

func (h Shell) Handle(ctx context.Context, resource connect.Resource) (domain.ProcessingResponse, error) {
	in, err := json.Marshal(resource)
	if err != nil {
		return domain.ProcessingResponse{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.Command, h.Args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("shell error: %v; out=%s", err, stderr.String())
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return domain.Done(), nil
	}
	var pr domain.ProcessingResponse
	if err := json.Unmarshal(out, &pr); err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("invalid response from %s: %w", h.Command, err)
	}
	return pr, nil
}
