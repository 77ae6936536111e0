// Package uploads hosts local attachments on the backend before they are
// referenced in a message.
package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"shopassist/internal/models"
)

// FieldName is the multipart field the backend reads the file from.
const FieldName = "image"

// MaxFileBytes mirrors the backend's upload limit.
const MaxFileBytes = 10 << 20

var ErrTooLarge = errors.New("file too large")

type Client struct {
	endpoint *url.URL
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
		return nil, fmt.Errorf("invalid upload endpoint %q", endpoint)
	}
	c := &Client{endpoint: u, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: time.Minute}
	}
	c.log = c.log.With().Str("component", "uploads").Logger()
	return c, nil
}

type uploadResponse struct {
	URL   string `json:"url"`
	Mime  string `json:"mime"`
	Error string `json:"error"`
}

// Upload sends the file at a.Path and returns a with URL set. Attachments
// that already have a URL are returned unchanged.
func (c *Client) Upload(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	if a.Uploaded() {
		return a, nil
	}
	if a.Path == "" {
		return a, errors.New("attachment has no file path")
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return a, err
	}
	if info.Size() > MaxFileBytes {
		return a, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}
	if a.Name == "" {
		a.Name = filepath.Base(a.Path)
	}

	body, contentType, err := encodeFile(a.Path, a.Name)
	if err != nil {
		return a, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), body)
	if err != nil {
		return a, err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return a, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	var out uploadResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return a, fmt.Errorf("upload rejected: %d %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return a, fmt.Errorf("decode upload response: %w", decodeErr)
	}
	if out.URL == "" {
		return a, errors.New("upload response has no url")
	}
	ref, err := url.Parse(out.URL)
	if err != nil {
		return a, fmt.Errorf("invalid upload url %q: %w", out.URL, err)
	}
	a.URL = c.endpoint.ResolveReference(ref).String()
	if out.Mime != "" {
		a.ContentType = out.Mime
	}
	c.log.Debug().Str("name", a.Name).Str("url", a.URL).Msg("attachment uploaded")
	return a, nil
}

func encodeFile(path, name string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(FieldName, name)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
