package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var ErrNotFound = errors.New("resource not found")

// Resource is a remote object as returned by the API.
type Resource map[string]any

// ID returns the resource id, empty if absent.
func (r Resource) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Status returns the resource status, empty if absent.
func (r Resource) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Identity is the request identity used against the API. Values are never
// mutated after construction; WithAPIKey returns a copy.
type Identity struct {
	Endpoint string
	APIKey   string
	Headers  map[string]string
}

// WithAPIKey returns a copy of the identity bound to key. Endpoint and
// default headers are inherited.
func (id Identity) WithAPIKey(key string) Identity {
	return Identity{
		Endpoint: id.Endpoint,
		APIKey:   key,
		Headers:  maps.Clone(id.Headers),
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// Client talks to the remote resource API on behalf of one identity.
type Client struct {
	identity   Identity
	httpClient *http.Client
}

// NewClient creates an API client for the given identity.
func NewClient(identity Identity, opts ...ClientOption) *Client {
	c := &Client{
		identity:   identity,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the identity the client is bound to.
func (c *Client) Identity() Identity { return c.identity }

var contentRangeRe = regexp.MustCompile(`^items \d+-\d+/(\d+)$`)

// Count returns the number of objects in collection matching the RQL filter.
func (c *Client) Count(ctx context.Context, collection, filter string) (int, error) {
	query := "limit=0"
	if filter != "" {
		query = filter + "&limit=0"
	}
	resp, body, err := c.get(ctx, collection, query)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("counting %s: unexpected status %d: %s", collection, resp.StatusCode, string(body))
	}

	if m := contentRangeRe.FindStringSubmatch(resp.Header.Get("Content-Range")); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("parsing content range: %w", err)
		}
		return n, nil
	}

	// Without a Content-Range header the page itself is the whole answer.
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, fmt.Errorf("decoding %s collection: %w", collection, err)
	}
	return len(items), nil
}

// Fetch retrieves a single resource by its path.
func (c *Client) Fetch(ctx context.Context, path string) (Resource, error) {
	resp, body, err := c.get(ctx, path, "")
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// success, parse below
	case http.StatusNotFound:
		return nil, fmt.Errorf("fetching %s: %w", path, ErrNotFound)
	default:
		return nil, fmt.Errorf("fetching %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}

	var res Resource
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, path, rawQuery string) (*http.Response, []byte, error) {
	u, err := url.Parse(strings.TrimRight(c.identity.Endpoint, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, nil, fmt.Errorf("building url: %w", err)
	}
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range c.identity.Headers {
		req.Header.Set(k, v)
	}
	if c.identity.APIKey != "" {
		req.Header.Set("Authorization", c.identity.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp, body, nil
}
