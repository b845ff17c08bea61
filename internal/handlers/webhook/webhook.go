package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"eventrunner/internal/connect"
	"eventrunner/internal/domain"
	"eventrunner/internal/events"
)

// Webhook forwards the event resource to an HTTP endpoint and maps the reply
// to a processing response.
type Webhook struct {
	cfg    Config
	client *http.Client
}

type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Timeout int               `json:"timeout"` // seconds
}

func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 // default 30 seconds
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

// Factory builds a webhook from an events file entry.
func Factory(raw json.RawMessage) (events.Handler, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("invalid webhook config: %w", err)
		}
	}
	return New(cfg)
}

func (h *Webhook) Handle(ctx context.Context, resource connect.Resource) (domain.ProcessingResponse, error) {
	body, err := json.Marshal(resource)
	if err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("encoding resource: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, h.cfg.Method, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ProcessingResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}
	text := strings.TrimSpace(string(respBody))

	switch {
	case resp.StatusCode < 300:
		var pr domain.ProcessingResponse
		if json.Unmarshal(respBody, &pr) == nil && pr.Status != "" {
			return pr, nil
		}
		return domain.Done(), nil
	case resp.StatusCode == http.StatusConflict:
		return domain.Skip(text), nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return domain.Reschedule(secs), nil
		}
		return domain.ProcessingResponse{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, text)
	case resp.StatusCode < 500:
		return domain.Fail(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, text)), nil
	default:
		return domain.ProcessingResponse{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, text)
	}
}
