package kb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kpalumbo/helpline/internal/reliability"
)

// SearchProvider is the outbound contract to the knowledge base backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, pageSize int) ([]Article, error)
}

// Client talks to a Kayako-style help center API using basic auth.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

type ClientConfig struct {
	BaseURL  string
	Email    string
	Password string
	Timeout  time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.Password))
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: "Basic " + credentials,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type articleWire struct {
	ID             json.Number `json:"id"`
	Title          string      `json:"title"`
	Content        string      `json:"content"`
	RelevanceScore float64     `json:"relevance_score"`
}

type searchResponseWire struct {
	Data []articleWire `json:"data"`
}

func (c *Client) Search(ctx context.Context, query string, pageSize int) ([]Article, error) {
	if pageSize <= 0 {
		pageSize = 5
	}
	u, err := url.Parse(c.baseURL + "/api/v1/helpcenter/articles")
	if err != nil {
		return nil, fmt.Errorf("kb: parse url: %w", err)
	}
	q := u.Query()
	q.Set("query", query)
	q.Set("limit", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("kb: build request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kb: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &reliability.StatusError{
			Provider:   "kb",
			Code:       resp.StatusCode,
			RetryAfter: retryAfterFromHeader(resp.Header),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var wire searchResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("kb: decode response: %w", err)
	}

	articles := make([]Article, 0, len(wire.Data))
	for _, a := range wire.Data {
		articles = append(articles, Article{
			ID:             a.ID.String(),
			Title:          a.Title,
			ContentSnippet: a.Content,
			RelevanceScore: a.RelevanceScore,
			SourceQuery:    query,
		})
	}
	return articles, nil
}

func retryAfterFromHeader(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
