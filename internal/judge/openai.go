package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openAIDefaultEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAI is a Reasoner backed by an OpenAI-compatible chat completions API.
type OpenAI struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
}

// NewOpenAI builds a client from configuration. BaseURL, when set, is the
// full chat completions endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.ResolveAPIKey())
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not found in env var %s", cfg.APIKeyEnv)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = openAIDefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAI{
		endpoint:    endpoint,
		model:       strings.TrimSpace(cfg.Model),
		apiKey:      apiKey,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the backend identifier.
func (c *OpenAI) Name() string {
	return "openai"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete posts the conversation and returns the first choice's content.
func (c *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("openai error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errors.New("openai: empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}
