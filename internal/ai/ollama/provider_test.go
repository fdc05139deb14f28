package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/ollama"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "llama3", body["model"])

		_, _ = w.Write([]byte(`{"model":"llama3","message":{"role":"assistant","content":"profile"},"done":true,"prompt_eval_count":20,"eval_count":5}`))
	}))
	defer srv.Close()

	p := ollama.NewProvider(config.OllamaConfig{BaseURL: srv.URL, Model: "llama3"})
	resp, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "publisher"})
	require.NoError(t, err)
	assert.Equal(t, "profile", resp.Text)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

func TestInvoke_ModelNotFoundIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	p := ollama.NewProvider(config.OllamaConfig{BaseURL: srv.URL, Model: "nope"})
	_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrRejected)
}

func TestInvoke_IncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"content":"par"},"done":false}`))
	}))
	defer srv.Close()

	p := ollama.NewProvider(config.OllamaConfig{BaseURL: srv.URL, Model: "llama3"})
	_, err := p.Invoke(context.Background(), models.InvokeRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}
