package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini is a Reasoner backed by the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

var verdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"verdict": {
			Type: genai.TypeString,
			Enum: []string{"safe", "suspicious", "malicious", "unknown"},
		},
		"confidence":   {Type: genai.TypeInteger},
		"explanation":  {Type: genai.TypeString},
		"risk_factors": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"verdict", "confidence", "explanation", "risk_factors"},
}

// NewGemini creates a Gemini reasoner.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	apiKey := strings.TrimSpace(cfg.ResolveAPIKey())
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key not found in env var %s", cfg.APIKeyEnv)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{
		client:      client,
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   int32(cfg.MaxTokens),
	}, nil
}

// Name returns the backend identifier.
func (g *Gemini) Name() string {
	return "gemini"
}

// Complete requests a schema-constrained JSON reply.
func (g *Gemini) Complete(ctx context.Context, system, user string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		CandidateCount:    1,
		Temperature:       genai.Ptr(g.temperature),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    verdictSchema,
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = g.maxTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(user), cfg)
	if err != nil {
		return "", classifyErr(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

// classifyErr labels API errors with their status for logging.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return fmt.Errorf("gemini: rate limited: %w", err)
		}
		return fmt.Errorf("gemini: api error %d: %w", apiErr.Code, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
