// Package models contains shared data models used across the shelfmark codebase.
package models

import "context"

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type AIProvider interface {
	// Invoke sends one prompt to the model and returns its completion.
	// Errors must be classifiable with ai.IsRetryable.
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
	// DefaultModel is used when a job does not select a model.
	DefaultModel() string
}

// InvokeRequest is the input to a single model invocation.
type InvokeRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// InvokeResponse is the model output plus token accounting.
type InvokeResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}
