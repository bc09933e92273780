package websearch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 128

type Options struct {
	Provider   string
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// CacheSize <= 0 uses the default; results are cached per
	// provider, kind, count and query.
	CacheSize int
}

// Client runs searches against one provider and caches the results.
type Client struct {
	provider string
	apiKey   string
	baseURL  string
	http     *http.Client
	cache    *lru.Cache[string, SearchResult]
}

func NewClient(opts Options) (*Client, error) {
	provider := strings.TrimSpace(strings.ToLower(opts.Provider))
	if provider == "" {
		provider = ProviderBrave
	}
	switch provider {
	case ProviderBrave:
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, errors.New("missing web search api key")
		}
	case ProviderStatic:
	default:
		return nil, fmt.Errorf("unsupported web search provider %q", provider)
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, SearchResult](size)
	if err != nil {
		return nil, err
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		provider: provider,
		apiKey:   strings.TrimSpace(opts.APIKey),
		baseURL:  strings.TrimSpace(opts.BaseURL),
		http:     httpClient,
		cache:    cache,
	}, nil
}

func (c *Client) Provider() string {
	if c == nil {
		return ""
	}
	return c.provider
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if c == nil {
		return SearchResult{}, errors.New("nil search client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.Normalize()
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}
	key := req.cacheKey(c.provider)
	if cached, ok := c.cache.Get(key); ok {
		cached.Cached = true
		cached.Results = append([]ResultItem(nil), cached.Results...)
		return cached, nil
	}

	var (
		res SearchResult
		err error
	)
	switch c.provider {
	case ProviderStatic:
		res = staticSearch(req)
	default:
		res, err = braveSearch(ctx, c.http, c.baseURL, c.apiKey, req)
	}
	if err != nil {
		return SearchResult{}, err
	}
	c.cache.Add(key, res)
	return res, nil
}

func staticSearch(req SearchRequest) SearchResult {
	results := make([]ResultItem, 0, req.Count)
	for i := 1; i <= req.Count && i <= 3; i++ {
		u := fmt.Sprintf("https://example.com/%s/%d?q=%s", req.Kind, i, url.QueryEscape(req.Query))
		item := ResultItem{
			Title:   fmt.Sprintf("%s result %d", req.Query, i),
			URL:     u,
			Snippet: fmt.Sprintf("Offline result %d for %q.", i, req.Query),
		}
		if req.Kind == KindVideos {
			item.URL = fmt.Sprintf("https://www.youtube.com/watch?v=static%d", i)
			item.VideoID = fmt.Sprintf("static%d", i)
		}
		results = append(results, item)
	}
	return SearchResult{Provider: ProviderStatic, Kind: req.Kind, Query: req.Query, Results: results}
}
