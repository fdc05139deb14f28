// Package openai talks to any server exposing the OpenAI chat completions API.
// vLLM and most self-hosted gateways serve the same wire format.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// Provider implements models.AIProvider using OpenAI chat completions.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model, nil)
}

// NewCompatible builds a provider for an OpenAI-compatible server.
// A nil client means http.DefaultClient; timeouts come from the context.
func NewCompatible(name, baseURL, apiKey, model string, client *http.Client) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) DefaultModel() string { return p.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Invoke(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{Model: model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var out chatResponse
	if err := ai.PostJSON(ctx, p.client, p.name, p.baseURL+"/v1/chat/completions", headers, body, &out); err != nil {
		return models.InvokeResponse{}, err
	}
	if len(out.Choices) == 0 {
		return models.InvokeResponse{}, fmt.Errorf("%w: %s: no choices", ai.ErrInvalidResponse, p.name)
	}

	return models.InvokeResponse{
		Text:         out.Choices[0].Message.Content,
		Model:        out.Model,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

var _ models.AIProvider = (*Provider)(nil)
