package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"agentchat/internal/config"
	"agentchat/internal/logging"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	maxFetchBody         = 512 * 1024
)

// InitToolsChain returns the tools offered to the ReAct agent.
func InitToolsChain(ctx context.Context, cfg config.AgentConfig) []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(ctx, cfg); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch combines Google and DuckDuckGo behind one web_search tool.
func InitWebSearch(ctx context.Context, cfg config.AgentConfig) tool.InvokableTool {
	log := logging.FromContext(ctx)
	googleTool, err := InitGooglesearch(ctx, cfg.GoogleAPIKey, cfg.GoogleEngineID)
	if err != nil {
		log.Warn("google search tool disabled", zap.Error(err))
	}
	duckTool, err := InitDDGsearch(ctx)
	if err != nil {
		log.Warn("duckduckgo search tool disabled", zap.Error(err))
	}
	if googleTool == nil && duckTool == nil {
		log.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can fetch a URL if one is given.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	log := logging.FromContext(ctx)

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		log.Debug("web url fetch failed", zap.Error(err))
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	providers := []struct {
		name string
		tool tool.InvokableTool
	}{{"google", w.google}, {"duckduckgo", w.duck}}
	for _, p := range providers {
		if p.tool == nil {
			continue
		}
		result, err := p.tool.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		log.Debug("search provider failed", zap.String("provider", p.name), zap.Error(err))
	}
	return "", errors.New("no search provider succeeded")
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "agentchat-websearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(ctx context.Context) (tool.InvokableTool, error) {
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return duckTool, nil
}

// InitGooglesearch Init Google Search. Both credentials are required.
func InitGooglesearch(ctx context.Context, apiKey, engineID string) (tool.InvokableTool, error) {
	if apiKey == "" || engineID == "" {
		return nil, errors.New("missing google api key or search engine id")
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         apiKey,
		SearchEngineID: engineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		return nil, err
	}
	return googleTool, nil
}
