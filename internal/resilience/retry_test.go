package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDoVal_SucceedsFirstTry(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 1, calls)
}

func TestDoVal_RetriesTransientErrors(t *testing.T) {
	calls := 0
	val, err := DoVal(context.Background(), fastConfig(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("overloaded_error"), 529)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid_request_error")
	_, err := DoVal(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := DoVal(context.Background(), fastConfig(), func(context.Context) (int, error) {
		calls++
		return 0, NewTransientError(errors.New("boom"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := DoVal(ctx, fastConfig(), func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("boom"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("invalid api key")))
	assert.True(t, IsTransient(errors.New("upstream rate_limit_error")))
	assert.True(t, IsTransient(errors.New("read tcp: i/o timeout")))
	assert.True(t, IsTransient(NewTransientError(errors.New("anything"), 0)))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 400, 401, 404} {
		assert.False(t, IsTransientHTTPStatus(code), "status %d", code)
	}
}
