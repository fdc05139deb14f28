// Package vllm configures the OpenAI-compatible client for a vLLM server.
package vllm

import (
	"net/http"

	"github.com/kiranshivaraju/shelfmark/internal/ai/openai"
	"github.com/kiranshivaraju/shelfmark/internal/config"
)

// NewProvider returns a provider for vLLM's OpenAI-compatible endpoint.
// vLLM serves exactly one model, so VLLM_MODEL is required.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model, nil)
}

// NewProviderWithClient is NewProvider with a custom HTTP client.
func NewProviderWithClient(cfg config.VLLMConfig, client *http.Client) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model, client)
}
