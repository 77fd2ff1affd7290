package speech

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

	"github.com/kpalumbo/helpline/internal/reliability"
)

// TTSConfig holds the synthesis endpoint settings.
type TTSConfig struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
}

// TTSClient renders text to audio over the provider's HTTP synthesis
// endpoint.
type TTSClient struct {
	cfg        TTSConfig
	httpClient *http.Client
}

func NewTTSClient(cfg TTSConfig) *TTSClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	return &TTSClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(c.cfg.VoiceID)

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.cfg.ModelID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &reliability.StatusError{
			Provider:   "tts",
			Code:       resp.StatusCode,
			RetryAfter: retryAfterFromHeader(resp.Header.Get("Retry-After")),
			Body:       string(payload),
		}
	}
	return io.ReadAll(resp.Body)
}

func retryAfterFromHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
