package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 2048
)

// Provider implements models.AIProvider using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Provider{cfg: cfg, client: http.DefaultClient}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (p *Provider) WithHTTPClient(c *http.Client) *Provider {
	p.client = c
	return p
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) DefaultModel() string { return p.cfg.Model }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Invoke(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:     model,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var out messagesResponse
	err := ai.PostJSON(ctx, p.client, p.Name(), p.cfg.BaseURL+"/v1/messages", headers, body, &out)
	if err != nil {
		return models.InvokeResponse{}, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return models.InvokeResponse{}, fmt.Errorf("%w: anthropic: no text content", ai.ErrInvalidResponse)
	}

	return models.InvokeResponse{
		Text:         text.String(),
		Model:        out.Model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
	}, nil
}

var _ models.AIProvider = (*Provider)(nil)
