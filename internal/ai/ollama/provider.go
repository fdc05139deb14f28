package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// Provider implements models.AIProvider using Ollama's native chat API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, client: http.DefaultClient}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) DefaultModel() string { return p.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (p *Provider) Invoke(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := chatRequest{Model: model, Stream: false}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.MaxTokens > 0 {
		body.Options = &chatOptions{NumPredict: req.MaxTokens}
	}

	var out chatResponse
	if err := ai.PostJSON(ctx, p.client, p.Name(), p.cfg.BaseURL+"/api/chat", nil, body, &out); err != nil {
		return models.InvokeResponse{}, err
	}
	if out.Error != "" {
		return models.InvokeResponse{}, fmt.Errorf("%w: ollama: %s", ai.ErrRejected, out.Error)
	}
	if !out.Done {
		return models.InvokeResponse{}, fmt.Errorf("%w: ollama: incomplete response", ai.ErrInvalidResponse)
	}

	return models.InvokeResponse{
		Text:         out.Message.Content,
		Model:        out.Model,
		InputTokens:  out.PromptEvalCount,
		OutputTokens: out.EvalCount,
	}, nil
}

var _ models.AIProvider = (*Provider)(nil)
