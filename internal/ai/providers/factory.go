// Package providers builds the configured AI provider.
package providers

import (
	"fmt"

	"github.com/kiranshivaraju/shelfmark/internal/ai/anthropic"
	"github.com/kiranshivaraju/shelfmark/internal/ai/ollama"
	"github.com/kiranshivaraju/shelfmark/internal/ai/openai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/vllm"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// New constructs the appropriate AI provider based on config.
// Called once at process startup.
func New(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}
