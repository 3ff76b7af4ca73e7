// Package web gives the agent eyes on the internet: keyword search
// through the Brave Search API and full-page scraping with readability
// extraction. Everything fetched here is outside-world content, so both
// operations pass their output through the injection guard before it
// reaches the model.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	strand "github.com/strandhq/strand"
)

const (
	braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

	defaultResults = 20
	maxResults     = 50

	// maxPageRunes caps scraped page text; expand_message recovers the
	// rest once the result is persisted.
	maxPageRunes = 50000
	maxPageBytes = 5 << 20
)

type Tool struct {
	apiKey     string
	client     *http.Client
	guard      *strand.Guard
	searchBase string
}

// Option configures the web tool.
type Option func(*Tool)

// WithHTTPClient replaces the default 30-second client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithGuard replaces the default injection guard.
func WithGuard(g *strand.Guard) Option {
	return func(t *Tool) { t.guard = g }
}

// New creates the tool. apiKey is the Brave Search subscription token;
// web_search reports itself unconfigured when it is empty, scrape_webpage
// works regardless.
func New(apiKey string, opts ...Option) *Tool {
	t := &Tool{
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		searchBase: braveEndpoint,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.guard == nil {
		t.guard = strand.NewGuard()
	}
	return t
}

func (t *Tool) Operations() []strand.Operation {
	return []strand.Operation{
		{
			Name: "web_search",
			Description: "Search the web for up-to-date information. Returns titles, URLs, " +
				"and snippets; use scrape_webpage to read a result in full.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"},"num_results":{"type":"integer","description":"Number of results, default 20, max 50"}},"required":["query"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "web-search",
				Mappings: []strand.ParamMapping{
					{Param: "query", Node: strand.NodeAttribute, Path: "query"},
					{Param: "num_results", Node: strand.NodeAttribute, Path: "num_results"},
				},
				Example: `<web-search query="golang context cancellation" num_results="20"></web-search>`,
			},
		},
		{
			Name: "scrape_webpage",
			Description: "Fetch a web page and extract its readable text. Use after web_search " +
				"to read the pages behind the results.",
			Structured: &strand.StructuredSchema{
				Parameters: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Full URL of the page to read"}},"required":["url"]}`),
			},
			XML: &strand.XMLSchema{
				TagName: "scrape-webpage",
				Mappings: []strand.ParamMapping{
					{Param: "url", Node: strand.NodeAttribute, Path: "url"},
				},
				Example: `<scrape-webpage url="https://example.com/article"></scrape-webpage>`,
			},
		},
	}
}

func (t *Tool) Execute(ctx context.Context, op string, kwargs map[string]string) (strand.ToolResult, error) {
	switch op {
	case "web_search":
		return t.search(ctx, kwargs)
	case "scrape_webpage":
		return t.scrape(ctx, kwargs)
	}
	return strand.Failf("unknown operation: %s", op), nil
}

func (t *Tool) search(ctx context.Context, kwargs map[string]string) (strand.ToolResult, error) {
	query := strings.TrimSpace(kwargs["query"])
	if query == "" {
		return strand.Failf("query is required"), nil
	}
	if t.apiKey == "" {
		return strand.Failf("web search is not configured: missing search API key"), nil
	}

	count := defaultResults
	if raw := kwargs["num_results"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return strand.Failf("invalid num_results %q", raw), nil
		}
		count = min(n, maxResults)
	}

	results, err := t.braveSearch(ctx, query, count)
	if err != nil {
		return strand.Failf("web search: %v", err), nil
	}
	if len(results) == 0 {
		return strand.OK(fmt.Sprintf("No results found for %q.", query)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return strand.OK(t.guard.Annotate(b.String())), nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]searchResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", t.searchBase, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("search API %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]searchResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

func (t *Tool) scrape(ctx context.Context, kwargs map[string]string) (strand.ToolResult, error) {
	rawURL := strings.TrimSpace(kwargs["url"])
	if rawURL == "" {
		return strand.Failf("url is required"), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return strand.Failf("invalid url %q: must be http or https", rawURL), nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return strand.Failf("invalid url %q: %v", rawURL, err), nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StrandBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return strand.Failf("fetch %s: %v", rawURL, err), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return strand.Failf("fetch %s: HTTP %d", rawURL, resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return strand.Failf("read %s: %v", rawURL, err), nil
	}

	html := string(body)
	title, text := extractReadable(html, parsed)
	if text == "" {
		return strand.Failf("no readable content at %s", rawURL), nil
	}

	if truncated := strand.Truncate(text, maxPageRunes); len(truncated) < len(text) {
		text = truncated + "\n... (content truncated)"
	}

	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "Title: %s\n", title)
	}
	fmt.Fprintf(&b, "URL: %s\n\n%s", rawURL, text)
	return strand.OK(t.guard.Annotate(b.String())), nil
}

// extractReadable pulls the article text out of a page, falling back to
// bare tag stripping when readability finds no article body.
func extractReadable(html string, pageURL *url.URL) (title, text string) {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, strings.TrimSpace(article.TextContent)
	}
	return "", strings.TrimSpace(stripTags(html))
}

// stripTags removes markup, dropping script and style bodies and keeping
// a newline where block elements ended.
func stripTags(html string) string {
	var out strings.Builder
	out.Grow(len(html))

	inTag, skip := false, false
	var tag strings.Builder
	naming := false

	for _, r := range html {
		switch {
		case r == '<':
			inTag, naming = true, true
			tag.Reset()
		case inTag:
			if naming && (r == ' ' || r == '>' || (r == '/' && tag.Len() > 0)) {
				naming = false
				switch strings.ToLower(tag.String()) {
				case "script", "style":
					skip = true
				case "/script", "/style":
					skip = false
				case "/p", "/div", "/h1", "/h2", "/h3", "/li", "br", "br/":
					out.WriteByte('\n')
				}
			} else if naming {
				tag.WriteRune(r)
			}
			if r == '>' {
				inTag = false
			}
		case !skip:
			out.WriteRune(r)
		}
	}
	return collapseBlank(out.String())
}

func collapseBlank(s string) string {
	lines := strings.Split(s, "\n")
	var kept []string
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, "\n")
}
