package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChatClient is the narrow surface the enrichment service needs from a
// language model backend.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// ClientConfig configures the OpenAI-compatible chat client. APIKeyEnv names
// the environment variable holding the key; the key itself never appears in
// config files.
type ClientConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
}

// DefaultClientConfig returns sensible defaults. Token and temperature caps
// keep per-cluster cost bounded.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Model:       "gpt-4o-mini",
		APIKeyEnv:   "OPENAI_API_KEY",
		Timeout:     60 * time.Second,
		MaxTokens:   500,
		Temperature: 0.3,
	}
}

// OpenAIClient calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	endpoint   string
	model      string
	apiKey     string
	maxTokens  int
	temp       float64
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOpenAIClient builds a chat client from config. It fails when the API
// key environment variable is unset, so a misconfigured deployment surfaces
// at startup rather than on the first upload.
func NewOpenAIClient(cfg ClientConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("chat client: base_url is required")
	}
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	key := strings.TrimSpace(os.Getenv(keyEnv))
	if key == "" {
		return nil, fmt.Errorf("chat client: %s is not set", keyEnv)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &OpenAIClient{
		endpoint:   strings.TrimRight(base, "/"),
		model:      cfg.Model,
		apiKey:     key,
		maxTokens:  maxTokens,
		temp:       cfg.Temperature,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Model returns the configured model identifier.
func (c *OpenAIClient) Model() string { return c.model }

// Complete sends one system+user exchange and returns the assistant reply.
func (c *OpenAIClient) Complete(ctx context.Context, system, user string) (string, error) {
	type chatMsg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type chatReq struct {
		Model       string    `json:"model"`
		Messages    []chatMsg `json:"messages"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		Temperature float64   `json:"temperature"`
	}
	type chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error,omitempty"`
	}

	payload := chatReq{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("chat client: encode request: %w", err)
	}

	url := c.endpoint + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("chat client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat client: request error: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("chat client: status %d: %s", resp.StatusCode, truncateBody(string(body), 400))
	}

	var parsed chatResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("chat client: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat client: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat client: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncateBody(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
