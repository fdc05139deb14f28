package ai_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/mock"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_InvokeResolvesDefaultModel(t *testing.T) {
	p := mock.NewMockProvider("ok")
	svc := ai.NewService(p, time.Second, nil)

	resp, err := svc.Invoke(context.Background(), models.InvokeRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "mock-v1", resp.Model)

	last, _ := p.LastRequest()
	assert.Equal(t, "mock-v1", last.Model)
}

func TestService_PerCallTimeoutIsTransient(t *testing.T) {
	p := &mock.MockProvider{
		Name_: "slow",
		InvokeFunc: func(ctx context.Context, _ models.InvokeRequest) (models.InvokeResponse, error) {
			<-ctx.Done()
			return models.InvokeResponse{}, ctx.Err()
		},
	}
	svc := ai.NewService(p, 20*time.Millisecond, nil)

	_, err := svc.Invoke(context.Background(), models.InvokeRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
	assert.True(t, ai.IsRetryable(err))
}

func TestService_PayloadTooLarge(t *testing.T) {
	p := mock.NewMockProvider("ok")
	svc := ai.NewService(p, time.Second, nil)

	_, err := svc.Invoke(context.Background(), models.InvokeRequest{Prompt: strings.Repeat("x", ai.MaxPromptBytes+1)})
	assert.ErrorIs(t, err, ai.ErrPayloadTooLarge)
	assert.False(t, ai.IsRetryable(err))
	assert.Equal(t, 0, p.Calls())
}

func TestService_EmptyCompletionIsInvalid(t *testing.T) {
	svc := ai.NewService(mock.NewMockProvider("   "), time.Second, nil)

	_, err := svc.Invoke(context.Background(), models.InvokeRequest{Prompt: "hi"})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestService_ModelAllowed(t *testing.T) {
	open := ai.NewService(mock.NewMockProvider("ok"), time.Second, nil)
	assert.True(t, open.ModelAllowed("anything"))

	restricted := ai.NewService(mock.NewMockProvider("ok"), time.Second, []string{"llama3"})
	assert.True(t, restricted.ModelAllowed(""))
	assert.True(t, restricted.ModelAllowed("llama3"))
	assert.False(t, restricted.ModelAllowed("gpt-4o"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ai.ErrProviderUnavailable, true},
		{ai.ErrInferenceTimeout, true},
		{ai.ErrRateLimited, true},
		{fmt.Errorf("wrapped: %w", ai.ErrRateLimited), true},
		{context.DeadlineExceeded, true},
		{ai.ErrInvalidResponse, false},
		{ai.ErrPayloadTooLarge, false},
		{ai.ErrRejected, false},
		{errors.New("unknown"), false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, ai.IsRetryable(tt.err))
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, ai.ErrRateLimited},
		{http.StatusRequestTimeout, ai.ErrInferenceTimeout},
		{http.StatusGatewayTimeout, ai.ErrInferenceTimeout},
		{http.StatusRequestEntityTooLarge, ai.ErrPayloadTooLarge},
		{http.StatusInternalServerError, ai.ErrProviderUnavailable},
		{http.StatusServiceUnavailable, ai.ErrProviderUnavailable},
		{529, ai.ErrProviderUnavailable},
		{http.StatusBadRequest, ai.ErrRejected},
		{http.StatusUnauthorized, ai.ErrRejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			err := ai.ClassifyStatus("test", tt.code, "body")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", ai.TruncateString("abc", 10))
	assert.Equal(t, "ab", ai.TruncateString("abcdef", 2))
	// "é" is two bytes; never split it.
	assert.Equal(t, "a", ai.TruncateString("aé", 2))
}
