package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/openai"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"gpt-4o-2024","choices":[{"message":{"role":"assistant","content":"appraised"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	p := openai.NewProvider(config.OpenAIConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "gpt-4o"})
	resp, err := p.Invoke(context.Background(), models.InvokeRequest{System: "sys", Prompt: "book"})
	require.NoError(t, err)
	assert.Equal(t, "appraised", resp.Text)
	assert.Equal(t, "gpt-4o-2024", resp.Model)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
}

func TestInvoke_StatusClassification(t *testing.T) {
	tests := []struct {
		code      int
		want      error
		retryable bool
	}{
		{http.StatusTooManyRequests, ai.ErrRateLimited, true},
		{http.StatusBadGateway, ai.ErrProviderUnavailable, true},
		{http.StatusRequestEntityTooLarge, ai.ErrPayloadTooLarge, false},
		{http.StatusBadRequest, ai.ErrRejected, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			p := openai.NewCompatible("openai", srv.URL, "", "m", nil)
			_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, ai.IsRetryable(err))
		})
	}
}

func TestInvoke_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	p := openai.NewCompatible("vllm", srv.URL, "", "m", nil)
	_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestInvoke_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	p := openai.NewCompatible("vllm", srv.URL, "", "m", nil)
	_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestInvoke_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := openai.NewCompatible("vllm", url, "", "m", nil)
	_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.True(t, ai.IsRetryable(err))
}
