package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	ToolWebSearch = "web_search"
	ToolFetchPage = "fetch_page"
)

var toolCategories = map[string]string{
	ToolWebSearch: "search",
	ToolFetchPage: "web",
}

// ToolCategory groups a tool for the catalog.
func ToolCategory(name string) string {
	if c, ok := toolCategories[name]; ok {
		return c
	}
	return "general"
}

// InitToolsChain builds the tools the assistant may call. Tools whose
// providers are unavailable are left out.
func InitToolsChain(log zerolog.Logger) []tool.BaseTool {
	tools := []tool.BaseTool{initFetchPage()}
	if ws := InitWebSearch(log); ws != nil {
		tools = append([]tool.BaseTool{ws}, tools...)
	}
	return tools
}

// searchProvider is one backend of the web_search tool. Providers are tried
// in order until one answers.
type searchProvider struct {
	name string
	tool tool.InvokableTool
}

func searchProviders(log zerolog.Logger) []searchProvider {
	candidates := []struct {
		name string
		init func(zerolog.Logger) tool.InvokableTool
	}{
		{"google", InitGooglesearch},
		{"duckduckgo", InitDDGsearch},
	}
	var out []searchProvider
	for _, c := range candidates {
		if t := c.init(log); t != nil {
			out = append(out, searchProvider{name: c.name, tool: t})
		}
	}
	return out
}

func InitWebSearch(log zerolog.Logger) tool.InvokableTool {
	providers := searchProviders(log)
	if len(providers) == 0 {
		log.Warn().Msg("web search tool disabled: no search providers available")
		return nil
	}
	ws := &webSearchTool{
		providers:  providers,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		log:        log,
	}
	info := &schema.ToolInfo{
		Name: ToolWebSearch,
		Desc: "Search the web for product information, reviews and prices. " +
			"Passing a URL as the query fetches that page instead.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Search terms, or an http(s) URL to read",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	providers  []searchProvider
	httpClient *http.Client
	log        zerolog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	var query string
	if params != nil {
		query = strings.TrimSpace(params.Query)
	}
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		page, err := fetchURL(ctx, w.httpClient, query)
		if err == nil {
			return page, nil
		}
		w.log.Debug().Err(err).Str("url", query).Msg("direct fetch failed, searching instead")
	}

	args, err := json.Marshal(webSearchParams{Query: query})
	if err != nil {
		return "", fmt.Errorf("encode search query: %w", err)
	}
	var errs []error
	for _, p := range w.providers {
		result, err := p.tool.InvokableRun(ctx, string(args))
		if err == nil {
			return result, nil
		}
		w.log.Warn().Err(err).Str("provider", p.name).Msg("search provider failed")
		errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
	}
	return "", fmt.Errorf("no search provider succeeded: %w", errors.Join(errs...))
}

// fetch page tool
type fetchPageTool struct {
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type fetchPageParams struct {
	URL string `json:"url"`
}

func initFetchPage() tool.InvokableTool {
	fp := &fetchPageTool{
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    fetchLimits,
	}
	info := &schema.ToolInfo{
		Name: ToolFetchPage,
		Desc: fmt.Sprintf("Fetch the raw content of a product or store page by URL; limit %d calls per minute per conversation.", FetchRateLimit),
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"url": {
				Desc:     "Absolute http or https URL of the page.",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, fp.run)
}

func (f *fetchPageTool) run(ctx context.Context, params *fetchPageParams) (string, error) {
	if params == nil || strings.TrimSpace(params.URL) == "" {
		return "", errors.New("url is required")
	}
	target := strings.TrimSpace(params.URL)
	if !looksLikeURL(target) {
		return "", errors.New("url must start with http:// or https://")
	}
	key := "global"
	if chatID, ok := ToolSessionFromContext(ctx); ok {
		key = "chat:" + chatID
	}
	if !f.limiter.Allow(key) {
		return "", errors.New("fetch page rate limit exceeded, please retry in a minute")
	}
	return fetchURL(ctx, f.httpClient, target)
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(log zerolog.Logger) tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Warn().Err(err).Msg("duckduckgo search tool disabled")
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(log zerolog.Logger) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Info().Msg("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Warn().Err(err).Msg("google search tool disabled")
		return nil
	}
	return googleTool
}
