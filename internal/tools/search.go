package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
	"github.com/floegence/redeven-research/internal/websearch"
)

// Searcher is the search backend; *websearch.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, req websearch.SearchRequest) (websearch.SearchResult, error)
}

const searchSchema = `{"type":"object","properties":{"query":{"type":"string","description":"Search query."},"count":{"type":"integer","minimum":1,"maximum":10,"description":"Number of results (default 5)."}},"required":["query"]}`

// Search exposes one search vertical as a tool.
type Search struct {
	Backend Searcher
	Kind    websearch.Kind
}

func NewWebSearch(backend Searcher) *Search {
	return &Search{Backend: backend, Kind: websearch.KindWeb}
}

func NewImageSearch(backend Searcher) *Search {
	return &Search{Backend: backend, Kind: websearch.KindImages}
}

func NewVideoSearch(backend Searcher) *Search {
	return &Search{Backend: backend, Kind: websearch.KindVideos}
}

func (t *Search) Definition() llm.ToolDef {
	def := llm.ToolDef{InputSchema: json.RawMessage(searchSchema)}
	switch t.Kind {
	case websearch.KindImages:
		def.Name = "image_search"
		def.Description = "Search the web for images. Returns image page URLs and thumbnails."
	case websearch.KindVideos:
		def.Name = "video_search"
		def.Description = "Search the web for videos. Returns video URLs, durations and ids."
	default:
		def.Name = "web_search"
		def.Description = "Search the web. Returns titles, URLs and snippets to cite."
	}
	return def
}

func (t *Search) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if inv.StopRequested() {
		return Result{}, ErrSoftStopped
	}
	if t.Backend == nil {
		return Result{}, NewError(ErrorCodeUnknown, "search backend not configured", false)
	}
	query := inv.StringArg("query")
	if query == "" {
		return Result{}, NewError(ErrorCodeInvalidArgs, "missing query", false)
	}
	res, err := t.Backend.Search(ctx, websearch.SearchRequest{Query: query, Count: inv.IntArg("count", 0), Kind: t.Kind})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, NewError(ErrorCodeUpstream, err.Error(), true)
	}

	out := Result{SearchQuery: res.Query, Data: res}
	docs := make([]events.Document, 0, len(res.Results))
	var sb strings.Builder
	if len(res.Results) == 0 {
		sb.WriteString("No results.")
	}
	for i, item := range res.Results {
		meta := map[string]any{"kind": string(res.Kind), "provider": res.Provider}
		if item.Thumbnail != "" {
			meta["thumbnail"] = item.Thumbnail
		}
		if item.VideoID != "" {
			meta["videoId"] = item.VideoID
		}
		docs = append(docs, events.Document{Title: item.Title, URL: item.URL, Content: item.Snippet, Metadata: meta})
		fmt.Fprintf(&sb, "[%d] %s\n%s\n", i+1, item.Title, item.URL)
		if item.Snippet != "" {
			fmt.Fprintf(&sb, "%s\n", item.Snippet)
		}
		if item.Duration != "" {
			fmt.Fprintf(&sb, "duration: %s\n", item.Duration)
		}
		if out.Extra == nil && item.VideoID != "" {
			out.Extra = map[string]any{"videoId": item.VideoID}
		}
	}
	out.Documents = docs
	out.Content = strings.TrimSpace(sb.String())
	return out, nil
}
