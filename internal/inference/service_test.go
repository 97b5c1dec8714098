package inference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/resilience"
	"github.com/fablepress/revision-cli/pkg/anthropic"
)

// fakeClient records the last request and returns a canned response.
type fakeClient struct {
	resp  *anthropic.MessageResponse
	err   error
	calls int
	last  anthropic.MessageRequest
}

func (f *fakeClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 11, OutputTokens: 7},
	}
}

func TestService_ForwardsRequestAndUsage(t *testing.T) {
	temp := 0.2
	client := &fakeClient{resp: textResponse("ok")}
	svc := NewService(client, Config{Model: "test-model", Temperature: &temp}, zap.NewNop())

	out, err := svc.Complete(context.Background(), Request{System: "sys", Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "ok", out.Text)
	assert.Equal(t, 11, out.Usage.InputTokens)
	assert.Equal(t, 7, out.Usage.OutputTokens)

	assert.Equal(t, "test-model", client.last.Model)
	assert.Equal(t, "sys", client.last.System)
	assert.Equal(t, int64(4096), client.last.MaxTokens, "default cap applied")
	require.NotNil(t, client.last.Temperature)
	assert.Equal(t, 0.2, *client.last.Temperature)
}

func TestService_DefaultTemperatureOmitted(t *testing.T) {
	client := &fakeClient{resp: textResponse("ok")}
	svc := NewService(client, Config{Model: "test-model"}, zap.NewNop())

	_, err := svc.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Nil(t, client.last.Temperature)
}

func TestService_PermanentErrorNotRetried(t *testing.T) {
	client := &fakeClient{err: errors.New("invalid_request_error")}
	svc := NewService(client, Config{Model: "test-model"}, zap.NewNop())

	_, err := svc.Complete(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)

	var external *ExternalCallError
	assert.ErrorAs(t, err, &external)
}

func TestService_RetriesTransientError(t *testing.T) {
	client := &fakeClient{err: resilience.NewTransientError(errors.New("overloaded_error"), 529)}
	svc := NewService(client, Config{
		Model: "test-model",
		Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 1, MaxBackoff: 2},
	}, zap.NewNop())

	_, err := svc.Complete(context.Background(), Request{Prompt: "hello"})
	require.Error(t, err)
	assert.Equal(t, 3, client.calls)
}
