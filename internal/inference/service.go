package inference

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fablepress/revision-cli/internal/model"
	"github.com/fablepress/revision-cli/internal/resilience"
	"github.com/fablepress/revision-cli/pkg/anthropic"
)

// Request is one prompt sent to the inference service.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int64
}

// Completion is the free-form text answer plus its token usage report.
type Completion struct {
	Text  string
	Usage model.TokenUsage
}

// Service is the external black-box text-analysis capability. It may
// fail, time out, or return output that later fails structured decoding.
type Service interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// Config tunes the anthropic-backed service.
type Config struct {
	Model string

	// CallTimeout bounds each individual call. The observed upstream
	// behavior had no bound; without one a stalled call hangs the run
	// forever, so expiry is converted to an ExternalCallError instead.
	CallTimeout time.Duration

	// Retry is applied inside the collaborator on transient failures
	// only. The coordinator itself never retries.
	Retry resilience.RetryConfig

	// RatePerMinute caps aggregate calls across all concurrent runs.
	// Zero disables the limiter.
	RatePerMinute int

	// Temperature overrides the model's default sampling temperature
	// when non-nil.
	Temperature *float64
}

type service struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewService wraps an Anthropic client as the pipeline's inference
// collaborator.
func NewService(client anthropic.Client, cfg Config, log *zap.Logger) Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), cfg.RatePerMinute)
	}
	return &service{
		client:  client,
		cfg:     cfg,
		limiter: limiter,
		log:     log,
	}
}

func (s *service) Complete(ctx context.Context, req Request) (*Completion, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, &ExternalCallError{Op: "rate wait", Err: err}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	retryCfg := s.cfg.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(s.log, "inference.complete")
	}

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return s.client.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:       s.cfg.Model,
			MaxTokens:   maxTokens,
			System:      req.System,
			Temperature: s.cfg.Temperature,
			Messages: []anthropic.Message{
				{Role: "user", Content: req.Prompt},
			},
		})
	})
	if err != nil {
		return nil, &ExternalCallError{Op: "create message", Err: err}
	}

	resp.Usage.LogUsage(s.log, s.cfg.Model)

	return &Completion{
		Text: resp.Text(),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
