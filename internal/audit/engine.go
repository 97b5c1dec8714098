package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/inference"
	"github.com/fablepress/revision-cli/internal/model"
)

// Config tunes the detection engine.
type Config struct {
	// BatchSize is the number of chapters per batch. Default: 8.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// ChapterCharCap truncates each chapter's text in prompts. Default: 8000.
	ChapterCharCap int `yaml:"chapter_char_cap" mapstructure:"chapter_char_cap"`

	// MaxTokens bounds each batch response. Default: 4096.
	MaxTokens int64 `yaml:"max_tokens" mapstructure:"max_tokens"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.ChapterCharCap <= 0 {
		c.ChapterCharCap = 8000
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Input is one audit request: the ordered chapters of the current
// document state plus its genre and language.
type Input struct {
	Chapters []model.Chapter
	Genre    string
	Language string
}

// Result is the output of one full audit pass.
type Result struct {
	AuditID    string            `json:"audit_id"`
	Violations []model.Violation `json:"violations"`
	Score      float64           `json:"score"`
	Characters []CharacterState  `json:"characters"`
	Locations  []LocationState   `json:"locations"`
	Timeline   []TimelineEvent   `json:"timeline"`
	Summary    string            `json:"summary"`
	Usage      model.TokenUsage  `json:"usage"`
}

// CriticalCount returns the number of critical violations.
func (r *Result) CriticalCount() int {
	n := 0
	for _, v := range r.Violations {
		if v.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}

// Engine is the consistency detection engine. Batches are processed
// strictly sequentially: each batch's prompt embeds a summary of the
// EntityState accumulated from all prior batches, so later batches can
// contradict earlier state.
type Engine struct {
	svc inference.Service
	cfg Config
	log *zap.Logger
}

// NewEngine builds a detection engine around the given inference service.
func NewEngine(svc inference.Service, cfg Config, log *zap.Logger) *Engine {
	return &Engine{svc: svc, cfg: cfg.withDefaults(), log: log}
}

// batchPayload is the structured portion of one batch's response.
type batchPayload struct {
	Violations []model.Violation `json:"violations"`
	EntityReport
}

// Audit runs one detection pass over the document. A single malformed
// batch response is logged and skipped, never fatal; a failed external
// call aborts the audit with the error.
func (e *Engine) Audit(ctx context.Context, in Input) (*Result, error) {
	if len(in.Chapters) == 0 {
		return nil, eris.New("audit: no chapters")
	}

	state := NewEntityState()
	result := &Result{AuditID: uuid.New().String()}

	batches := splitBatches(in.Chapters, e.cfg.BatchSize)
	for i, batch := range batches {
		prompt := buildBatchPrompt(batch, in.Genre, in.Language, state.Summarize(), e.cfg.ChapterCharCap)

		completion, err := e.svc.Complete(ctx, inference.Request{
			System:    auditSystemText,
			Prompt:    prompt,
			MaxTokens: e.cfg.MaxTokens,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "audit: batch %d/%d", i+1, len(batches))
		}
		result.Usage.Add(completion.Usage)

		var payload batchPayload
		if err := inference.DecodePayload("audit batch", completion.Text, &payload); err != nil {
			var malformed *inference.MalformedResponseError
			if errors.As(err, &malformed) {
				e.log.Warn("audit: skipping malformed batch payload",
					zap.Int("batch", i+1),
					zap.Int("batches", len(batches)),
					zap.Error(err),
				)
				continue
			}
			return nil, err
		}

		result.Violations = append(result.Violations, payload.Violations...)
		state.Merge(payload.EntityReport)

		e.log.Debug("audit: batch merged",
			zap.Int("batch", i+1),
			zap.Int("violations", len(payload.Violations)),
			zap.Int("characters", len(payload.Characters)),
		)
	}

	result.Score = Score(result.Violations)
	result.Characters = state.Characters()
	result.Locations = state.Locations()
	result.Timeline = state.Timeline()
	result.Summary = buildSummary(result)

	e.log.Info("audit complete",
		zap.String("audit_id", result.AuditID),
		zap.Int("violations", len(result.Violations)),
		zap.Int("critical", result.CriticalCount()),
		zap.Float64("score", result.Score),
	)

	return result, nil
}

// splitBatches slices chapters into ordered fixed-size batches.
func splitBatches(chapters []model.Chapter, size int) [][]model.Chapter {
	var out [][]model.Chapter
	for start := 0; start < len(chapters); start += size {
		end := start + size
		if end > len(chapters) {
			end = len(chapters)
		}
		out = append(out, chapters[start:end])
	}
	return out
}
