// Package deepsearch calls the research-grade chat endpoint used when the
// deep-search toggle is on. The upstream speaks the OpenAI chat completions
// dialect over plain REST with a bearer token and may attach citations.
package deepsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"chatdesk/internal/providers"
)

const (
	defaultSystemPrompt = "You are a research assistant. Search thoroughly, cite sources inline and say when evidence is thin."
	maxResponseBytes    = 4 << 20
	maxRetryAfter       = 10 * time.Second
)

type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg      Config
	endpoint string
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	cfg.MaxRetries = max(cfg.MaxRetries, 0)
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Client{cfg: cfg, endpoint: completionsURL(cfg.BaseURL)}
}

// Enabled reports whether an endpoint and key were configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != "" && strings.TrimSpace(c.cfg.APIKey) != ""
}

// Search answers query with the prior turns as context. Citations returned
// by the upstream are appended as a numbered "Sources" list.
func (c *Client) Search(ctx context.Context, query string, history []providers.Message) (string, error) {
	if c.endpoint == "" {
		return "", fmt.Errorf("deep search base url is empty or invalid")
	}
	body, err := json.Marshal(c.request(query, history))
	if err != nil {
		return "", fmt.Errorf("marshal deep search payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		ans, wait, err := c.post(ctx, body)
		if err == nil {
			return ans.render(), nil
		}
		lastErr = err
		if wait < 0 || attempt == c.cfg.MaxRetries {
			break
		}
		if wait == 0 {
			wait = c.cfg.BackoffBase << attempt
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

func (c *Client) request(query string, history []providers.Message) chatRequest {
	msgs := make([]chatMessage, 0, len(history)+2)
	if s := strings.TrimSpace(c.cfg.SystemPrompt); s != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: s})
	}
	for _, m := range history {
		role := "user"
		if m.Role == providers.RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: query})
	return chatRequest{Model: c.cfg.Model, Messages: msgs}
}

// post performs one attempt. wait is negative for errors that must not be
// retried, zero for "use backoff", positive when the upstream said how long.
func (c *Client) post(ctx context.Context, body []byte) (answer, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return answer{}, -1, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return answer{}, -1, ctx.Err()
		}
		return answer{}, 0, fmt.Errorf("deep search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return answer{}, -1, fmt.Errorf("read deep search response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return answer{}, retryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("deep search temporary status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return answer{}, -1, fmt.Errorf("deep search status %d", resp.StatusCode)
	}

	ans, err := decodeAnswer(raw)
	if err != nil {
		return answer{}, -1, err
	}
	return ans, 0, nil
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func completionsURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	if !strings.HasSuffix(u.Path, "/chat/completions") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	}
	return u.String()
}

type answer struct {
	Text    string
	Sources []string
}

func (a answer) render() string {
	if len(a.Sources) == 0 {
		return a.Text
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(a.Text, "\n"))
	b.WriteString("\n\nSources:")
	for i, s := range a.Sources {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s)
	}
	return b.String()
}

func decodeAnswer(body []byte) (answer, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Citations     []string `json:"citations"`
		SearchResults []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"search_results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return answer{}, fmt.Errorf("decode deep search response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return answer{}, fmt.Errorf("empty choices in deep search response")
	}
	text := contentText(resp.Choices[0].Message.Content)
	if strings.TrimSpace(text) == "" {
		return answer{}, fmt.Errorf("missing message content in deep search response")
	}

	ans := answer{Text: text, Sources: resp.Citations}
	if len(ans.Sources) == 0 {
		for _, r := range resp.SearchResults {
			switch {
			case r.URL == "":
			case r.Title != "":
				ans.Sources = append(ans.Sources, r.Title+" - "+r.URL)
			default:
				ans.Sources = append(ans.Sources, r.URL)
			}
		}
	}
	return ans, nil
}

// contentText accepts both the plain string form and the array-of-parts form.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return strings.Join(out, "\n")
}
