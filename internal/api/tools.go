package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/gin-gonic/gin"

	"shopassist/internal/service/ai"
)

type toolEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// toolCatalog caches the tool list built from each tool's Info.
type toolCatalog struct {
	tools []tool.BaseTool
	ttl   time.Duration

	mu      sync.Mutex
	entries []toolEntry
	errText string
	builtAt time.Time
	now     func() time.Time
}

func newToolCatalog(tools []tool.BaseTool, ttl time.Duration) *toolCatalog {
	return &toolCatalog{tools: tools, ttl: ttl, now: time.Now}
}

// list returns the catalog and whether it came from the cache.
func (tc *toolCatalog) list(ctx context.Context) ([]toolEntry, string, time.Time, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	now := tc.now()
	if !tc.builtAt.IsZero() && now.Sub(tc.builtAt) < tc.ttl {
		return tc.entries, tc.errText, tc.builtAt, true
	}
	entries := make([]toolEntry, 0, len(tc.tools))
	var errText string
	for _, t := range tc.tools {
		info, err := t.Info(ctx)
		if err != nil || info == nil {
			if err != nil {
				errText = err.Error()
			}
			continue
		}
		entries = append(entries, toolEntry{Name: info.Name, Description: info.Desc, Category: ai.ToolCategory(info.Name)})
	}
	tc.entries, tc.errText, tc.builtAt = entries, errText, now
	return entries, errText, now, false
}

func (h *Handler) listTools(c *gin.Context) {
	entries, errText, builtAt, cached := h.tools.list(c.Request.Context())
	body := gin.H{
		"tools":     entries,
		"cached":    cached,
		"timestamp": builtAt.UnixMilli(),
	}
	if errText != "" {
		body["error"] = errText
	}
	c.JSON(http.StatusOK, body)
}
