// Package integrations holds the builtin collaborator clients. Only web
// search ships in-process (Brave Search API); calendar, email, issues, and
// blog stay behind their tool interfaces for callers to supply.
package integrations

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
	"time"
)

const (
	braveSearchBaseURL = "https://api.search.brave.com"
	braveSearchPath    = "/res/v1/web/search"

	searchMaxCount = 10
	maxBodyBytes   = 512 << 10
)

// BraveWeb implements the web tool surface against the Brave Search API for
// searches and plain HTTP for page fetches.
type BraveWeb struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewBraveWeb(apiKey string) *BraveWeb {
	return &BraveWeb{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: braveSearchBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search queries Brave and renders the hits as a numbered text list for the
// model.
func (c *BraveWeb) Search(ctx context.Context, query string, limit int) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("missing query")
	}
	if c.apiKey == "" {
		return "", errors.New("missing web search api key")
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > searchMaxCount {
		limit = searchMaxCount
	}

	endpoint, err := url.Parse(c.baseURL + braveSearchPath)
	if err != nil {
		return "", err
	}
	q := endpoint.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(limit))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var decoded braveResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errors.New("invalid web search response")
	}

	var b strings.Builder
	n := 0
	for _, item := range decoded.Web.Results {
		u := strings.TrimSpace(item.URL)
		if u == "" {
			continue
		}
		n++
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = u
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", n, title, u)
		if snippet := strings.TrimSpace(item.Description); snippet != "" {
			fmt.Fprintf(&b, "   %s\n", snippet)
		}
	}
	if n == 0 {
		return "No results found", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// Fetch retrieves a page over HTTP and returns its body as text, with HTML
// tags stripped and the size capped.
func (c *BraveWeb) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html, text/plain")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	text := string(body)
	if strings.Contains(text, "<") {
		text = stripTags(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "Page had no readable content", nil
	}
	return text, nil
}

func (c *BraveWeb) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("request failed (status %d)", resp.StatusCode)
		}
		return nil, errors.New(msg)
	}
	return body, nil
}

// stripTags drops markup, script, and style content, collapsing the rest to
// whitespace-separated text.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	skipUntil := ""
	lower := strings.ToLower(s)

	for i := 0; i < len(s); i++ {
		if skipUntil != "" {
			if strings.HasPrefix(lower[i:], skipUntil) {
				i += len(skipUntil) - 1
				skipUntil = ""
				inTag = false
			}
			continue
		}
		switch {
		case s[i] == '<':
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
			}
		case s[i] == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteByte(s[i])
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
