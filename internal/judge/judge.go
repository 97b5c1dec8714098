package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/inference"
	"github.com/fablepress/revision-cli/internal/model"
)

// historyLimit caps how many correction records enter the prompt. Older
// history is dropped, not summarized, to bound prompt size.
const historyLimit = 5

// CorrectionRecord is one previously applied fix for a chapter.
type CorrectionRecord struct {
	Cycle       int                 `json:"cycle"`
	IssueType   model.ViolationType `json:"issue_type"`
	Description string              `json:"description"`
	Fix         string              `json:"fix,omitempty"`
	AppliedAt   time.Time           `json:"applied_at"`
}

// Judgment is the judge's verdict on whether a newly reported issue
// restates something already fixed. Not persisted beyond the decision
// it informs.
type Judgment struct {
	IsResolved bool    `json:"is_resolved"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

const judgeSystemText = `You decide whether a newly reported manuscript consistency issue is a restatement of a defect that was already corrected. Answer with a single JSON object and nothing else.`

const judgePromptTemplate = `A consistency audit of chapter %d reported this issue:

Type: %s
Severity: %s
Description: %s

Corrections already applied to this chapter, most recent last:
%s

Is the reported issue a restatement of one of these applied corrections?
Return a valid JSON object:
{"is_resolved": <bool>, "confidence": <0.0-1.0>, "reasoning": "<brief explanation>"}`

// Judge decides whether a reported issue duplicates an applied fix.
type Judge struct {
	svc inference.Service
	log *zap.Logger
}

// New builds a Judge around the given inference service.
func New(svc inference.Service, log *zap.Logger) *Judge {
	return &Judge{svc: svc, log: log}
}

// Evaluate judges one issue against the chapter's correction history.
// An empty history short-circuits to unresolved with full confidence
// without an inference call. A parse failure fails closed to unresolved
// at half confidence, so a reported defect is never silently dropped on
// a judging error. A failed external call propagates.
func (j *Judge) Evaluate(ctx context.Context, issue model.Violation, history []CorrectionRecord) (Judgment, error) {
	if len(history) == 0 {
		return Judgment{IsResolved: false, Confidence: 1.0}, nil
	}

	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	prompt := fmt.Sprintf(judgePromptTemplate,
		issue.ChapterNumber,
		issue.Type,
		issue.Severity,
		issue.Description,
		formatHistory(history),
	)

	completion, err := j.svc.Complete(ctx, inference.Request{
		System:    judgeSystemText,
		Prompt:    prompt,
		MaxTokens: 512,
	})
	if err != nil {
		return Judgment{}, err
	}

	var verdict Judgment
	if err := inference.DecodePayload("judge", completion.Text, &verdict); err != nil {
		var malformed *inference.MalformedResponseError
		if errors.As(err, &malformed) {
			j.log.Warn("judge: malformed verdict, assuming unresolved",
				zap.Int("chapter", issue.ChapterNumber),
				zap.String("issue_type", string(issue.Type)),
				zap.Error(err),
			)
			return Judgment{IsResolved: false, Confidence: 0.5}, nil
		}
		return Judgment{}, err
	}

	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return verdict, nil
}

func formatHistory(history []CorrectionRecord) string {
	var parts []string
	for _, rec := range history {
		line := fmt.Sprintf("- cycle %d, %s: %s", rec.Cycle, rec.IssueType, rec.Description)
		if rec.Fix != "" {
			line += " → " + rec.Fix
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "\n")
}
