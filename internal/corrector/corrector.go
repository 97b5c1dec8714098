package corrector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/inference"
	"github.com/fablepress/revision-cli/internal/model"
)

// Fix is one correction the applier made to a chapter.
type Fix struct {
	ChapterNumber int                 `json:"chapter_number"`
	IssueType     model.ViolationType `json:"issue_type"`
	Description   string              `json:"description"`
	AppliedFix    string              `json:"applied_fix"`
	Structural    bool                `json:"structural"`
}

// Result is the outcome of applying a set of violations to a document.
// Chapters the model could not revise keep their original text; their
// violations simply produce no fixes.
type Result struct {
	Chapters          []model.Chapter
	Fixes             []Fix
	StructuralChanges int
	Usage             model.TokenUsage
}

const correctorSystemText = `You are a fiction line editor. You revise a chapter to fix the listed consistency defects while preserving the author's voice, style, and everything not implicated by a defect. Answer with a single JSON object and nothing else.`

const chapterPromptTemplate = `Revise chapter %d (%q) of a %s manuscript written in %s.

Consistency defects to fix:
%s

Chapter text:
---
%s
---

Return a valid JSON object:
{
  "revised_text": "<the full revised chapter text>",
  "fixes": [
    {"issue_type": "<defect type>", "description": "<what was wrong>", "applied_fix": "<what you changed>", "structural": <true if scenes were added, removed, or reordered>}
  ]
}`

type chapterPayload struct {
	RevisedText string `json:"revised_text"`
	Fixes       []struct {
		IssueType   string `json:"issue_type"`
		Description string `json:"description"`
		AppliedFix  string `json:"applied_fix"`
		Structural  bool   `json:"structural"`
	} `json:"fixes"`
}

// Corrector applies audit violations to manuscript text chapter by
// chapter through the inference service.
type Corrector struct {
	svc       inference.Service
	maxTokens int64
	log       *zap.Logger
}

// New builds a Corrector. maxTokens bounds each chapter revision call;
// zero picks a default large enough for a full revised chapter.
func New(svc inference.Service, maxTokens int64, log *zap.Logger) *Corrector {
	if maxTokens <= 0 {
		maxTokens = 16384
	}
	return &Corrector{svc: svc, maxTokens: maxTokens, log: log}
}

// Apply revises every chapter that has violations and returns the full
// chapter set with revisions substituted in. Chapters are processed in
// order. An external call failure aborts the whole pass; a malformed
// revision payload skips only that chapter.
func (c *Corrector) Apply(ctx context.Context, doc model.Document, violations []model.Violation) (*Result, error) {
	byChapter := make(map[int][]model.Violation)
	for _, v := range violations {
		byChapter[v.ChapterNumber] = append(byChapter[v.ChapterNumber], v)
	}

	out := &Result{Chapters: make([]model.Chapter, len(doc.Chapters))}
	copy(out.Chapters, doc.Chapters)

	var numbers []int
	for n := range byChapter {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	for _, number := range numbers {
		idx := chapterIndex(out.Chapters, number)
		if idx < 0 {
			c.log.Warn("corrector: violation references unknown chapter",
				zap.Int("chapter", number),
			)
			continue
		}

		payload, err := c.reviseChapter(ctx, doc, out.Chapters[idx], byChapter[number], &out.Usage)
		if err != nil {
			var malformed *inference.MalformedResponseError
			if errors.As(err, &malformed) {
				c.log.Warn("corrector: malformed revision, keeping original chapter",
					zap.Int("chapter", number),
					zap.Error(err),
				)
				continue
			}
			return nil, err
		}

		if strings.TrimSpace(payload.RevisedText) != "" {
			out.Chapters[idx].Text = payload.RevisedText
		}
		for _, f := range payload.Fixes {
			fix := Fix{
				ChapterNumber: number,
				IssueType:     model.ViolationType(f.IssueType),
				Description:   f.Description,
				AppliedFix:    f.AppliedFix,
				Structural:    f.Structural,
			}
			out.Fixes = append(out.Fixes, fix)
			if fix.Structural {
				out.StructuralChanges++
			}
		}
	}

	return out, nil
}

func (c *Corrector) reviseChapter(ctx context.Context, doc model.Document, ch model.Chapter, violations []model.Violation, usage *model.TokenUsage) (*chapterPayload, error) {
	prompt := fmt.Sprintf(chapterPromptTemplate,
		ch.Number, ch.Title, doc.Genre, doc.Language,
		formatViolations(violations),
		ch.Text,
	)

	completion, err := c.svc.Complete(ctx, inference.Request{
		System:    correctorSystemText,
		Prompt:    prompt,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	usage.Add(completion.Usage)

	var payload chapterPayload
	if err := inference.DecodePayload("corrector", completion.Text, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func formatViolations(violations []model.Violation) string {
	var parts []string
	for _, v := range violations {
		line := fmt.Sprintf("- [%s/%s] %s", v.Severity, v.Type, v.Description)
		if v.TextFragment != "" {
			line += fmt.Sprintf(" (near: %q)", v.TextFragment)
		}
		if v.SuggestedFix != "" {
			line += " Suggested fix: " + v.SuggestedFix
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, "\n")
}

func chapterIndex(chapters []model.Chapter, number int) int {
	for i, ch := range chapters {
		if ch.Number == number {
			return i
		}
	}
	return -1
}
