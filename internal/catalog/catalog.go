// Package catalog reads the backend's tool catalog. The catalog is
// advisory: any failure yields an empty, degraded result.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Tool describes one tool the assistant can call.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// Catalog is the result of one fetch.
type Catalog struct {
	Tools     []Tool
	Cached    bool
	Timestamp time.Time
	// Degraded is set when the list could not be obtained; Error says why.
	Degraded bool
	Error    string
}

type response struct {
	Tools     []Tool `json:"tools"`
	Cached    bool   `json:"cached"`
	// Timestamp is when the list was built, in Unix milliseconds.
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tools endpoint %q", endpoint)
	}
	c := &Client{endpoint: u.String(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	c.log = c.log.With().Str("component", "catalog").Logger()
	return c, nil
}

// Fetch returns the tool list. It never fails; problems are reported
// through Degraded and Error.
func (c *Client) Fetch(ctx context.Context) Catalog {
	res, err := c.fetch(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("tool catalog unavailable")
		return Catalog{Tools: []Tool{}, Degraded: true, Error: err.Error()}
	}
	return res
}

func (c *Client) fetch(ctx context.Context) (Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return Catalog{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Catalog{}, fmt.Errorf("fetch tools: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Catalog{}, fmt.Errorf("fetch tools: %s", resp.Status)
	}
	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Catalog{}, fmt.Errorf("decode tools: %w", err)
	}
	if len(body.Tools) == 0 && body.Error != "" {
		return Catalog{}, fmt.Errorf("tools endpoint: %s", body.Error)
	}
	out := Catalog{Tools: body.Tools, Cached: body.Cached, Error: body.Error}
	if out.Tools == nil {
		out.Tools = []Tool{}
	}
	if body.Timestamp > 0 {
		out.Timestamp = time.UnixMilli(body.Timestamp).UTC()
	}
	return out, nil
}
