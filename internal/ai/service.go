package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// MaxPromptBytes is the largest prompt sent to a provider. Larger prompts
// fail terminally with ErrPayloadTooLarge instead of being truncated, since
// a truncated subject would produce a misleading artifact.
const MaxPromptBytes = 64 << 10

// Service wraps the configured provider with the per-call timeout and the
// model allow-list. Handlers call the provider only through here.
type Service struct {
	provider models.AIProvider
	timeout  time.Duration
	allowed  map[string]bool
}

// NewService creates a Service. An empty allow-list permits any model.
func NewService(provider models.AIProvider, timeout time.Duration, allowedModels []string) *Service {
	allowed := make(map[string]bool, len(allowedModels))
	for _, m := range allowedModels {
		allowed[m] = true
	}
	return &Service{provider: provider, timeout: timeout, allowed: allowed}
}

// ProviderName returns the name of the underlying provider.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// ModelAllowed reports whether a job may select model. The empty selector
// means the provider default and is always allowed.
func (s *Service) ModelAllowed(model string) bool {
	if model == "" || len(s.allowed) == 0 {
		return true
	}
	return s.allowed[model]
}

// ResolveModel maps an empty selector to the provider default.
func (s *Service) ResolveModel(selector string) string {
	if selector == "" {
		return s.provider.DefaultModel()
	}
	return selector
}

// Invoke performs one provider call under the per-call timeout. It does not
// retry; the caller owns the retry policy.
func (s *Service) Invoke(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
	if len(req.Prompt)+len(req.System) > MaxPromptBytes {
		return models.InvokeResponse{}, fmt.Errorf("%w: prompt is %d bytes, limit %d",
			ErrPayloadTooLarge, len(req.Prompt)+len(req.System), MaxPromptBytes)
	}
	req.Model = s.ResolveModel(req.Model)

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.provider.Invoke(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			return models.InvokeResponse{}, fmt.Errorf("%w: after %s: %v", ErrInferenceTimeout, s.timeout, err)
		}
		return models.InvokeResponse{}, err
	}

	if strings.TrimSpace(resp.Text) == "" {
		return models.InvokeResponse{}, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
