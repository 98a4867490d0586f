package judge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/urlintel/internal/enrichment"
)

const verdictJSON = `{"verdict":"malicious","confidence":95,"explanation":"Credential phishing.","risk_factors":["login form"]}`

func TestOpenAI_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": verdictJSON}},
			},
		})
	}))
	defer server.Close()

	c, err := NewOpenAI(Config{Model: "gpt-test", APIKey: "test-key", BaseURL: server.URL})
	require.NoError(t, err)

	j := New(c, 0, nil)
	v, err := j.Assess(context.Background(), Input{URL: "https://x.example/"})
	require.NoError(t, err)
	assert.Equal(t, enrichment.VerdictMalicious, v.Verdict)
	assert.Equal(t, 95, v.Confidence)
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	c, err := NewOpenAI(Config{Model: "gpt-test", APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAI_MissingKey(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "")
	_, err := NewOpenAI(Config{Model: "m", APIKeyEnv: "TEST_OPENAI_KEY"})
	assert.Error(t, err)
}

func TestGemini_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "gemini-test:generateContent"), "path %s", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": verdictJSON}},
				},
				"finishReason": "STOP",
			}},
		})
	}))
	defer server.Close()

	g, err := NewGemini(context.Background(), Config{Model: "gemini-test", APIKey: "k", BaseURL: server.URL, Temperature: 0.2})
	require.NoError(t, err)

	reply, err := g.Complete(context.Background(), SystemPrompt, "ctx")
	require.NoError(t, err)

	v, err := ParseReply(reply)
	require.NoError(t, err)
	assert.Equal(t, enrichment.VerdictMalicious, v.Verdict)
}

func TestNewReasoner_Backends(t *testing.T) {
	r, err := NewReasoner(context.Background(), Config{Backend: "openai", Model: "m", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", r.Name())

	_, err = NewReasoner(context.Background(), Config{Backend: "claude", Model: "m", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
