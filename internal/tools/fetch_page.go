package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/llm"
)

const (
	fetchPageMaxBodyBytes = 4 << 20
	fetchPageMaxChars     = 8000
	fetchPageSummarySys   = "You condense web pages for a research assistant. Answer only from the page text. Keep facts, numbers and names; drop navigation and boilerplate."
)

// FetchPage downloads a page and extracts its readable text. With an
// auxiliary model configured and a question given, the text is condensed
// against the question first.
type FetchPage struct {
	HTTP      *http.Client
	Summarize *AuxModel
	MaxChars  int
}

func (t *FetchPage) Definition() llm.ToolDef {
	return llm.ToolDef{
		Name:        "fetch_page",
		Description: "Fetch a web page and return its readable text. Pass a question to get only the relevant parts.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Absolute http(s) URL."},"question":{"type":"string","description":"What to look for on the page."}},"required":["url"]}`),
	}
}

func (t *FetchPage) Execute(ctx context.Context, inv Invocation) (Result, error) {
	if inv.StopRequested() {
		return Result{}, ErrSoftStopped
	}
	raw := inv.StringArg("url")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Result{}, NewError(ErrorCodeInvalidArgs, fmt.Sprintf("invalid url %q", raw), false)
	}

	title, text, err := t.fetch(ctx, u.String())
	if err != nil {
		return Result{}, err
	}
	limit := t.MaxChars
	if limit <= 0 {
		limit = fetchPageMaxChars
	}
	text = truncateRunes(text, limit)

	content := text
	question := inv.StringArg("question")
	if question != "" && t.Summarize.Available() && !inv.StopRequested() {
		prompt := fmt.Sprintf("Question: %s\n\nPage title: %s\n\nPage text:\n%s", question, title, text)
		if summary, err := t.Summarize.Complete(ctx, inv, fetchPageSummarySys, prompt); err == nil && strings.TrimSpace(summary) != "" {
			content = strings.TrimSpace(summary)
		} else if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
	}

	return Result{
		Content: fmt.Sprintf("# %s\n%s\n\n%s", title, u.String(), content),
		Documents: []events.Document{{
			Title:    title,
			URL:      u.String(),
			Content:  truncateRunes(content, 1200),
			Metadata: map[string]any{"kind": "page"},
		}},
	}, nil
}

func (t *FetchPage) fetch(ctx context.Context, target string) (string, string, error) {
	client := t.HTTP
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", NewError(ErrorCodeInvalidArgs, err.Error(), false)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,text/plain;q=0.8")
	req.Header.Set("User-Agent", "redeven-research/1.0")
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", NewError(ErrorCodeUpstream, err.Error(), true)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", "", NewError(ErrorCodeNotFound, "page not found", false)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", NewError(ErrorCodeUpstream, fmt.Sprintf("fetch failed (status %d)", resp.StatusCode), resp.StatusCode >= 500)
	}
	body := io.LimitReader(resp.Body, fetchPageMaxBodyBytes)

	if ct := strings.ToLower(resp.Header.Get("Content-Type")); strings.HasPrefix(ct, "text/plain") {
		b, err := io.ReadAll(body)
		if err != nil {
			return "", "", NewError(ErrorCodeUpstream, err.Error(), true)
		}
		return target, collapseWhitespace(string(b)), nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return "", "", NewError(ErrorCodeUpstream, "unreadable html", false)
	}
	return extractReadable(doc, target)
}

func extractReadable(doc *goquery.Document, fallbackTitle string) (string, string, error) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = fallbackTitle
	}
	doc.Find("script, style, noscript, nav, header, footer, aside, form, iframe, svg").Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	var parts []string
	root.Find("h1, h2, h3, h4, p, li, pre, blockquote, td").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("li, td, blockquote").Length() > 0 && goquery.NodeName(s) == "p" {
			return
		}
		if txt := collapseWhitespace(s.Text()); txt != "" {
			parts = append(parts, txt)
		}
	})
	text := strings.Join(parts, "\n")
	if text == "" {
		text = collapseWhitespace(root.Text())
	}
	if text == "" {
		return "", "", NewError(ErrorCodeNotFound, "page has no readable text", false)
	}
	return title, text, nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "\n... (truncated)"
}
