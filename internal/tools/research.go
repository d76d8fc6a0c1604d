package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	researchMaxQueries = 3
	researchPerQuery   = 2
	researchExcerpt    = 1500
)

// Source is a page read during research.
type Source struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Excerpt string `json:"excerpt"`
}

// DeepResearch searches several queries, reads the top pages and returns
// their excerpts. Each call consumes one research unit and reports its
// progress as data-research-* chunks.
type DeepResearch struct {
	rc       RequestContext
	searcher Searcher
	pages    PageReader
}

// NewDeepResearch creates the deep research tool.
func NewDeepResearch(rc RequestContext, searcher Searcher, pages PageReader) *DeepResearch {
	return &DeepResearch{rc: rc, searcher: searcher, pages: pages}
}

func (t *DeepResearch) Name() string { return NameDeepResearch }

func (t *DeepResearch) Description() string {
	return "Research a topic in depth by searching the web and reading the most relevant pages. " +
		"Input is a JSON object with a `topic` string and optional `queries` list of search queries."
}

func (t *DeepResearch) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"topic": stringProp("The research topic"),
		"queries": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Up to three search queries to run",
		},
	}, "topic")
}

func (t *DeepResearch) Call(ctx context.Context, input string) (out string, err error) {
	defer func() { metrics.RecordToolCall(NameDeepResearch, err) }()

	var args struct {
		Topic   string   `json:"topic"`
		Queries []string `json:"queries"`
	}
	if err := parseArgs(input, &args, &args.Topic); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Topic) == "" {
		return "", fmt.Errorf("topic is required")
	}
	queries := planQueries(args.Topic, args.Queries)

	if err := t.rc.reserve(ctx, model.UsageResearch); err != nil {
		return "", err
	}

	t.rc.emit(model.DataChunk(model.ChunkResearchStart, map[string]any{
		"topic":   args.Topic,
		"queries": queries,
	}))

	var sources []Source
	seen := make(map[string]bool)
	for _, q := range queries {
		if ctx.Err() != nil {
			break
		}
		t.rc.emit(model.DataChunk(model.ChunkResearchSearch, map[string]any{"query": q}))

		results, err := t.searcher.Search(ctx, q, researchPerQuery+2)
		if err != nil {
			t.logWarn("research search failed", q, err)
			continue
		}

		read := 0
		for _, r := range results {
			if read == researchPerQuery || ctx.Err() != nil {
				break
			}
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true

			page, err := t.pages.ReadPage(ctx, r.URL)
			if err != nil {
				t.logWarn("research page read failed", r.URL, err)
				continue
			}
			title := page.Title
			if title == "" {
				title = r.Title
			}
			read++
			sources = append(sources, Source{Title: title, URL: r.URL, Excerpt: excerpt(page.Text, researchExcerpt)})
			t.rc.emit(model.DataChunk(model.ChunkResearchRead, map[string]any{
				"url":   r.URL,
				"title": title,
			}))
		}
	}

	t.rc.emit(model.DataChunk(model.ChunkResearchComplete, map[string]any{
		"topic":   args.Topic,
		"sources": len(sources),
	}))

	if len(sources) == 0 {
		t.rc.compensate(ctx, model.UsageResearch)
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", errors.New("research found no readable sources")
	}

	data, err := json.Marshal(map[string]any{
		"topic":   args.Topic,
		"sources": sources,
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *DeepResearch) logWarn(msg, subject string, err error) {
	if t.rc.Logger == nil {
		return
	}
	t.rc.Logger.Warn(msg, zap.String("subject", subject), zap.Error(err))
}

func planQueries(topic string, requested []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, q := range append(requested, topic) {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) == researchMaxQueries {
			break
		}
	}
	return out
}

func excerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
