package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	braveDefaultBaseURL = "https://api.search.brave.com/res/v1"
	braveMaxBodyBytes   = 2 << 20
)

type braveThumbnail struct {
	Src string `json:"src"`
}

type braveWebResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

type braveImageResponse struct {
	Results []struct {
		Title      string         `json:"title"`
		URL        string         `json:"url"`
		Thumbnail  braveThumbnail `json:"thumbnail"`
		Properties struct {
			URL string `json:"url"`
		} `json:"properties"`
	} `json:"results"`
}

type braveVideoResponse struct {
	Results []struct {
		Title       string         `json:"title"`
		URL         string         `json:"url"`
		Description string         `json:"description"`
		Thumbnail   braveThumbnail `json:"thumbnail"`
		Video       struct {
			Duration string `json:"duration"`
		} `json:"video"`
	} `json:"results"`
}

func braveSearch(ctx context.Context, httpClient *http.Client, baseURL string, apiKey string, req SearchRequest) (SearchResult, error) {
	if req.Query == "" {
		return SearchResult{}, errors.New("missing query")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = braveDefaultBaseURL
	}
	endpoint, err := url.Parse(baseURL + "/" + string(req.Kind) + "/search")
	if err != nil || endpoint == nil {
		return SearchResult{}, errors.New("invalid brave search endpoint")
	}
	q := endpoint.Query()
	q.Set("q", req.Query)
	q.Set("count", strconv.Itoa(req.Count))
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return SearchResult{}, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", strings.TrimSpace(apiKey))

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return SearchResult{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, braveMaxBodyBytes))
	if err != nil {
		return SearchResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("brave %s search failed (status %d)", req.Kind, resp.StatusCode)
		}
		return SearchResult{}, errors.New(msg)
	}

	var results []ResultItem
	switch req.Kind {
	case KindImages:
		results, err = decodeBraveImages(body)
	case KindVideos:
		results, err = decodeBraveVideos(body)
	default:
		results, err = decodeBraveWeb(body)
	}
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Provider: ProviderBrave, Kind: req.Kind, Query: req.Query, Results: results}, nil
}

func decodeBraveWeb(body []byte) ([]ResultItem, error) {
	var decoded braveWebResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid brave web search response")
	}
	out := make([]ResultItem, 0, len(decoded.Web.Results))
	for _, item := range decoded.Web.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		out = append(out, ResultItem{Title: titleOr(item.Title, u), URL: u, Snippet: strings.TrimSpace(item.Description)})
	}
	return out, nil
}

func decodeBraveImages(body []byte) ([]ResultItem, error) {
	var decoded braveImageResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid brave image search response")
	}
	out := make([]ResultItem, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		u := strings.TrimSpace(item.Properties.URL)
		if u == "" {
			u = strings.TrimSpace(item.URL)
		}
		if u == "" {
			continue
		}
		out = append(out, ResultItem{
			Title:     titleOr(item.Title, u),
			URL:       u,
			Snippet:   strings.TrimSpace(item.URL),
			Thumbnail: strings.TrimSpace(item.Thumbnail.Src),
		})
	}
	return out, nil
}

func decodeBraveVideos(body []byte) ([]ResultItem, error) {
	var decoded braveVideoResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.New("invalid brave video search response")
	}
	out := make([]ResultItem, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		out = append(out, ResultItem{
			Title:     titleOr(item.Title, u),
			URL:       u,
			Snippet:   strings.TrimSpace(item.Description),
			Thumbnail: strings.TrimSpace(item.Thumbnail.Src),
			VideoID:   VideoIDFromURL(u),
			Duration:  strings.TrimSpace(item.Video.Duration),
		})
	}
	return out, nil
}

func titleOr(title string, fallback string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return fallback
}

// VideoIDFromURL extracts a YouTube video id from watch, short and embed
// URLs. Other hosts yield "".
func VideoIDFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u == nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")
	switch host {
	case "youtu.be":
		return strings.Trim(u.Path, "/")
	case "youtube.com", "youtube-nocookie.com":
		if v := strings.TrimSpace(u.Query().Get("v")); v != "" {
			return v
		}
		for _, prefix := range []string{"/embed/", "/shorts/", "/live/"} {
			if strings.HasPrefix(u.Path, prefix) {
				return strings.Trim(strings.TrimPrefix(u.Path, prefix), "/")
			}
		}
	}
	return ""
}
