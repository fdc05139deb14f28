package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_      string
	Model_     string
	InvokeFunc func(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error)

	mu    sync.Mutex
	calls []models.InvokeRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) DefaultModel() string { return m.Model_ }

func (m *MockProvider) Invoke(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, req)
	}
	return models.InvokeResponse{}, nil
}

// Calls returns the number of Invoke calls so far.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastRequest returns the most recent request, if any.
func (m *MockProvider) LastRequest() (models.InvokeRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return models.InvokeRequest{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// NewMockProvider returns a MockProvider that answers every call with text.
func NewMockProvider(text string) *MockProvider {
	return &MockProvider{
		Name_:  "mock",
		Model_: "mock-v1",
		InvokeFunc: func(_ context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
			model := req.Model
			if model == "" {
				model = "mock-v1"
			}
			return models.InvokeResponse{Text: text, Model: model, InputTokens: len(req.Prompt) / 4, OutputTokens: len(text) / 4}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_:  "mock-failing",
		Model_: "mock-v1",
		InvokeFunc: func(_ context.Context, _ models.InvokeRequest) (models.InvokeResponse, error) {
			return models.InvokeResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_:  "mock-timeout",
		Model_: "mock-v1",
		InvokeFunc: func(ctx context.Context, _ models.InvokeRequest) (models.InvokeResponse, error) {
			<-ctx.Done()
			return models.InvokeResponse{}, ai.ErrInferenceTimeout
		},
	}
}

// NewSequenceProvider fails with errs in order, one per call, then answers
// with text. It models a provider that recovers after transient failures.
func NewSequenceProvider(text string, errs ...error) *MockProvider {
	var mu sync.Mutex
	i := 0
	ok := NewMockProvider(text)
	return &MockProvider{
		Name_:  "mock-sequence",
		Model_: "mock-v1",
		InvokeFunc: func(ctx context.Context, req models.InvokeRequest) (models.InvokeResponse, error) {
			mu.Lock()
			n := i
			i++
			mu.Unlock()
			if n < len(errs) {
				return models.InvokeResponse{}, errs[n]
			}
			return ok.InvokeFunc(ctx, req)
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
