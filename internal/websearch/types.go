package websearch

import (
	"strconv"
	"strings"
)

const (
	ProviderBrave = "brave"
	// ProviderStatic serves canned results; used offline and in tests.
	ProviderStatic = "static"
)

// Kind selects the search vertical.
type Kind string

const (
	KindWeb    Kind = "web"
	KindImages Kind = "images"
	KindVideos Kind = "videos"
)

type SearchRequest struct {
	Query string
	Count int
	Kind  Kind
}

func (r SearchRequest) Normalize() SearchRequest {
	out := r
	out.Query = strings.TrimSpace(out.Query)
	if out.Count <= 0 {
		out.Count = 5
	}
	if out.Count > 10 {
		out.Count = 10
	}
	switch Kind(strings.ToLower(strings.TrimSpace(string(out.Kind)))) {
	case KindImages:
		out.Kind = KindImages
	case KindVideos:
		out.Kind = KindVideos
	default:
		out.Kind = KindWeb
	}
	return out
}

func (r SearchRequest) cacheKey(provider string) string {
	return provider + "|" + string(r.Kind) + "|" + strconv.Itoa(r.Count) + "|" + strings.ToLower(r.Query)
}

type ResultItem struct {
	Title     string `json:"title"`
	URL       string `json:"url"`
	Snippet   string `json:"snippet,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	VideoID   string `json:"videoId,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

type SearchResult struct {
	Provider string       `json:"provider"`
	Kind     Kind         `json:"kind"`
	Query    string       `json:"query"`
	Results  []ResultItem `json:"results"`
	Cached   bool         `json:"cached,omitempty"`
}
