package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/capitalize-ai/chatstream/internal/attachment"
	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, max int) ([]SearchResult, error)
}

// PageReader reads the text of a web page.
type PageReader interface {
	ReadPage(ctx context.Context, url string) (*attachment.Page, error)
}

// DuckDuckGo is a Searcher backed by the langchaingo DuckDuckGo tool.
type DuckDuckGo struct {
	tool *duckduckgo.Tool
}

// NewDuckDuckGo creates a DuckDuckGo searcher.
func NewDuckDuckGo(maxResults int, userAgent string) (*DuckDuckGo, error) {
	t, err := duckduckgo.New(maxResults, userAgent)
	if err != nil {
		return nil, err
	}
	return &DuckDuckGo{tool: t}, nil
}

// Search runs a query.
func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) ([]SearchResult, error) {
	out, err := d.tool.Call(ctx, query)
	if err != nil {
		if strings.Contains(err.Error(), "no good search results") {
			return nil, nil
		}
		return nil, err
	}
	return parseResults(out, max), nil
}

// parseResults reads the "Title: / Description: / URL:" blocks produced
// by the DuckDuckGo tool.
func parseResults(text string, max int) []SearchResult {
	var out []SearchResult
	var cur SearchResult
	flush := func() {
		if cur.URL != "" || cur.Title != "" {
			out = append(out, cur)
		}
		cur = SearchResult{}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "Title:"):
			if cur.Title != "" {
				flush()
			}
			cur.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Description:"):
			cur.Snippet = strings.TrimSpace(strings.TrimPrefix(line, "Description:"))
		case strings.HasPrefix(line, "URL:"):
			cur.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		}
	}
	flush()

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// WebSearch searches the web. Each call consumes one search unit.
type WebSearch struct {
	rc       RequestContext
	searcher Searcher
}

// NewWebSearch creates the web search tool.
func NewWebSearch(rc RequestContext, searcher Searcher) *WebSearch {
	return &WebSearch{rc: rc, searcher: searcher}
}

func (t *WebSearch) Name() string { return NameWebSearch }

func (t *WebSearch) Description() string {
	return "Search the web for current information. Input is a JSON object with a `query` string."
}

func (t *WebSearch) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"query": stringProp("The search query"),
	}, "query")
}

func (t *WebSearch) Call(ctx context.Context, input string) (out string, err error) {
	defer func() { metrics.RecordToolCall(NameWebSearch, err) }()

	var args struct {
		Query string `json:"query"`
	}
	if err := parseArgs(input, &args, &args.Query); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query is required")
	}

	if err := t.rc.reserve(ctx, model.UsageSearch); err != nil {
		return "", err
	}
	results, err := t.searcher.Search(ctx, args.Query, 5)
	if err != nil {
		t.rc.compensate(ctx, model.UsageSearch)
		return "", fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []SearchResult{}
	}

	data, err := json.Marshal(map[string]any{
		"query":   args.Query,
		"results": results,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
