package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shopassist/internal/models"
)

const (
	FetchRateLimit       = 5
	FetchRateWindow      = time.Minute
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchBodySize     = 512 * 1024
	fetchUserAgent       = "ShopAssist-Fetch/1.0"
)

type toolObserverContextKey struct{}
type toolSessionContextKey struct{}

// toolRateLimiter keeps one token bucket per key: limit calls, refilled
// evenly over window.
type toolRateLimiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &toolRateLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *toolRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// prune drops buckets that have refilled completely by now; a fresh bucket
// would behave the same.
func (l *toolRateLimiter) prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// fetchLimits is shared by every fetch_page tool so the quota holds per
// conversation no matter how many tool chains are built.
var fetchLimits = newToolRateLimiter(FetchRateLimit, FetchRateWindow)

// PruneToolLimits forgets conversations whose tool quota has fully
// recovered and reports how many were removed.
func PruneToolLimits() int {
	return fetchLimits.prune(time.Now())
}

// WithToolSession tags ctx with the conversation tools run for.
func WithToolSession(ctx context.Context, chatID string) context.Context {
	if chatID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, chatID)
}

// ToolSessionFromContext returns the conversation set by WithToolSession.
func ToolSessionFromContext(ctx context.Context) (string, bool) {
	chatID, ok := ctx.Value(toolSessionContextKey{}).(string)
	return chatID, ok && chatID != ""
}

func withToolObserver(ctx context.Context, fn func(models.ToolInvocation)) context.Context {
	return context.WithValue(ctx, toolObserverContextKey{}, fn)
}

func toolObserverFromContext(ctx context.Context) func(models.ToolInvocation) {
	fn, _ := ctx.Value(toolObserverContextKey{}).(func(models.ToolInvocation))
	return fn
}

// observedTool reports each call of the wrapped tool to the observer found
// in the call's context.
type observedTool struct {
	inner tool.InvokableTool
}

func observe(t tool.InvokableTool) tool.InvokableTool {
	if _, ok := t.(*observedTool); ok {
		return t
	}
	return &observedTool{inner: t}
}

func (o *observedTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return o.inner.Info(ctx)
}

func (o *observedTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	out, err := o.inner.InvokableRun(ctx, argumentsInJSON, opts...)
	notify := toolObserverFromContext(ctx)
	if notify == nil {
		return out, err
	}
	name := "tool"
	if info, infoErr := o.inner.Info(ctx); infoErr == nil && info != nil {
		name = info.Name
	}
	inv := models.ToolInvocation{
		ToolCallID: uuid.NewString(),
		ToolName:   name,
		State:      "result",
		Result:     &models.ToolResult{Content: []models.ToolContent{{Type: "text", Text: out}}},
	}
	if json.Valid([]byte(argumentsInJSON)) {
		inv.Args = json.RawMessage(argumentsInJSON)
	}
	if err != nil {
		inv.Result = &models.ToolResult{
			Content: []models.ToolContent{{Type: "text", Text: "Error: " + err.Error()}},
			IsError: true,
		}
	}
	notify(inv)
	return out, err
}

// fetchURL GETs an http(s) page and returns at most maxFetchBodySize bytes
// of its body.
func fetchURL(ctx context.Context, client *http.Client, target string) (string, error) {
	u, err := url.Parse(target)
	switch {
	case err != nil:
		return "", fmt.Errorf("invalid url: %w", err)
	case u.Scheme != "http" && u.Scheme != "https":
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	case u.Host == "":
		return "", errors.New("url has no host")
	}
	if client == nil {
		client = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("fetch %s: %s", u.Host, resp.Status)
	}

	var sb strings.Builder
	if _, err := io.Copy(&sb, io.LimitReader(resp.Body, maxFetchBodySize)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func looksLikeURL(input string) bool {
	scheme, _, ok := strings.Cut(input, "://")
	if !ok {
		return false
	}
	scheme = strings.ToLower(scheme)
	return scheme == "http" || scheme == "https"
}
