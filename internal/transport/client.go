package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"shopassist/internal/models"
)

// AuthCookieName is the cookie carrying the session credential.
const AuthCookieName = "auth_token"

// Client streams chat exchanges from the assistant backend.
type Client struct {
	endpoint *url.URL
	http     *http.Client
	log      zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Jar receives the auth cookie.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient builds a client for the chat endpoint. A non-empty token is sent
// as the auth_token cookie on every request.
func NewClient(endpoint, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid chat endpoint %q", endpoint)
	}
	c := &Client{endpoint: u, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if token != "" {
		if c.http.Jar == nil {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return nil, fmt.Errorf("cookie jar: %w", err)
			}
			c.http.Jar = jar
		}
		c.http.Jar.SetCookies(&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}, []*http.Cookie{{
			Name:  AuthCookieName,
			Value: token,
			Path:  "/",
		}})
	}
	c.log = c.log.With().Str("component", "transport").Str("endpoint", u.String()).Logger()
	return c, nil
}

// Endpoint returns the chat endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint.String() }

// Stream sends req and returns the decoded response stream. Errors before
// the stream opens are returned directly; later failures arrive through
// Recv. Cancelling ctx aborts the exchange.
func (c *Client) Stream(ctx context.Context, req *Request) (*schema.StreamReader[Chunk], error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.open(ctx, httpReq)
}

// Resume reattaches to the backend's active or recently finished run for
// chatID, replaying it from the start. ErrNoActiveStream means there is none.
func (c *Client) Resume(ctx context.Context, chatID string) (*schema.StreamReader[Chunk], error) {
	u := c.endpoint.JoinPath(url.PathEscape(chatID), "stream")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build resume request: %w", err)
	}
	return c.open(ctx, httpReq)
}

// Cancel asks the backend to abort the run in progress for chatID. The
// backend generates detached from the response stream, so dropping the
// stream alone leaves the run going. ErrNoActiveStream means nothing was
// running.
func (c *Client) Cancel(ctx context.Context, chatID string) error {
	u := c.endpoint.JoinPath(url.PathEscape(chatID), "stream")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Code: CodeNetwork, Message: "failed to fetch", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNoActiveStream
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		c.log.Debug().Str("chat_id", chatID).Msg("backend run cancelled")
		return nil
	}
	return statusError(resp.StatusCode, readErrorBody(resp.Body))
}

func (c *Client) open(ctx context.Context, httpReq *http.Request) (*schema.StreamReader[Chunk], error) {
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeNetwork, Message: "failed to fetch", Err: err}
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, ErrNoActiveStream
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body))
	}
	c.log.Debug().Str("method", httpReq.Method).Int("status", resp.StatusCode).Msg("stream opened")

	sr, sw := schema.Pipe[Chunk](16)
	go c.pump(ctx, resp.Body, sw)
	return sr, nil
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// pump decodes events from body into sw until done, failure or cancellation.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, sw *schema.StreamWriter[Chunk]) {
	defer sw.Close()
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	events := newEventReader(body)
	for {
		ev, err := events.next()
		if err != nil {
			if ctx.Err() != nil {
				sw.Send(Chunk{}, ctx.Err())
				return
			}
			sw.Send(Chunk{}, readError(err))
			return
		}

		chunk, ok, done, err := c.decode(ev)
		if done {
			return
		}
		if err != nil {
			sw.Send(Chunk{}, err)
			return
		}
		if !ok {
			continue
		}
		if closed := sw.Send(chunk, nil); closed {
			return
		}
	}
}

// readError wraps a failure reading the open stream. Socket errors are
// network failures; anything else, including a premature EOF, is a stream
// failure.
func readError(err error) *Error {
	if errors.Is(err, io.EOF) {
		return &Error{Code: CodeStream, Message: "stream ended before completion"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Code: CodeNetwork, Message: "connection lost", Err: err}
	}
	return &Error{Code: CodeStream, Message: "stream read failed", Err: err}
}

func (c *Client) decode(ev event) (chunk Chunk, ok, done bool, err error) {
	switch ev.name {
	case EventAck:
		var p AckPayload
		if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
			c.log.Warn().Err(err).Msg("ignoring malformed ack")
			return Chunk{}, false, false, nil
		}
		return Chunk{Type: ChunkAck, MessageID: p.MessageID}, true, false, nil
	case EventStream, "message", "":
		var p StreamPayload
		if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
			p.Content = ev.data
		}
		if p.Content == "" {
			return Chunk{}, false, false, nil
		}
		return Chunk{Type: ChunkText, Delta: p.Content}, true, false, nil
	case EventPart:
		var part models.Part
		if err := json.Unmarshal([]byte(ev.data), &part); err != nil {
			c.log.Warn().Err(err).Msg("ignoring undecodable part")
			return Chunk{}, false, false, nil
		}
		return Chunk{Type: ChunkPart, Part: part}, true, false, nil
	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
			p.Message = ev.data
		}
		// an event without a code stays untyped and is classified by its text
		return Chunk{}, false, false, &Error{Code: p.Code, Message: p.Message}
	case EventDone:
		return Chunk{}, false, true, nil
	default:
		c.log.Debug().Str("event", ev.name).Msg("ignoring unknown event")
		return Chunk{}, false, false, nil
	}
}
