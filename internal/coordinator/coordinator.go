// Package coordinator owns the run state machine: the sequential
// audit→correct→re-audit cycle loop, termination policy, judge-assisted
// issue triage, cooperative cancellation, and run persistence.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/audit"
	"github.com/fablepress/revision-cli/internal/corrector"
	"github.com/fablepress/revision-cli/internal/judge"
	"github.com/fablepress/revision-cli/internal/model"
	"github.com/fablepress/revision-cli/internal/progress"
	"github.com/fablepress/revision-cli/internal/store"
)

// Auditor is the consistency detection collaborator.
type Auditor interface {
	Audit(ctx context.Context, in audit.Input) (*audit.Result, error)
}

// CorrectionApplier revises a document to fix the given violations.
type CorrectionApplier interface {
	Apply(ctx context.Context, doc model.Document, violations []model.Violation) (*corrector.Result, error)
}

// ResolutionJudge decides whether a reported issue duplicates an
// already applied fix.
type ResolutionJudge interface {
	Evaluate(ctx context.Context, issue model.Violation, history []judge.CorrectionRecord) (judge.Judgment, error)
}

// DocumentStore resolves a document id to its chapter content.
type DocumentStore interface {
	Load(ctx context.Context, id string) (*model.Document, error)
}

// Coordinator drives correction runs. One Coordinator serves many
// concurrent runs for different documents; each run's state is mutated
// by exactly one Execute call.
type Coordinator struct {
	store   store.Store
	docs    DocumentStore
	auditor Auditor
	applier CorrectionApplier
	judge   ResolutionJudge
	hub     *progress.Hub
	log     *zap.Logger

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
}

// New wires a Coordinator from its collaborators.
func New(st store.Store, docs DocumentStore, auditor Auditor, applier CorrectionApplier, rj ResolutionJudge, hub *progress.Hub, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		docs:    docs,
		auditor: auditor,
		applier: applier,
		judge:   rj,
		hub:     hub,
		log:     log,
		cancels: make(map[string]*atomic.Bool),
	}
}

// Start validates parameters and creates the run record. Out-of-range
// parameters return *model.ValidationError; a duplicate active run
// returns store.ErrActiveRunExists. Neither has side effects. The run
// does not execute until Execute is called.
func (c *Coordinator) Start(ctx context.Context, documentID string, params model.RunParams) (*model.CorrectionRun, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return c.store.CreateRun(ctx, documentID, params)
}

// Cancel sets the cooperative cancellation flag for a run. Idempotent:
// cancelling a terminal or already-cancelled run is a no-op. The flag
// is honored at the next phase boundary; an in-flight external call is
// never preempted.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	flag, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		flag.Store(true)
		return nil
	}

	// Not executing in this process: verify the run exists so callers
	// get ErrNotFound for unknown ids.
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	return c.store.UpdateStatus(ctx, runID, model.RunStatusCancelled, store.StatusFields{
		CompletedAt: ptr(time.Now().UTC()),
	})
}

// Execute runs the cycle loop to a terminal status. Blocks until the
// run completes, fails, or is cancelled; callers wanting background
// execution run it in a goroutine. Always returns nil unless the run
// record itself could not be updated. Subscribers observe a terminal
// event on every exit path, including store failures.
func (c *Coordinator) Execute(ctx context.Context, run *model.CorrectionRun) (err error) {
	flag := c.register(run.ID)
	defer c.unregister(run.ID)

	// A store failure mid-run returns before any terminal handler ran.
	// The stream still has to end with a terminal event and a channel
	// close, so finish it here with a failed snapshot and make a
	// best-effort status write.
	defer func() {
		if run.Status.IsTerminal() {
			return
		}
		run.Status = model.RunStatusFailed
		if err != nil {
			run.ErrorMessage = err.Error()
		}
		now := time.Now().UTC()
		run.CompletedAt = &now
		if updErr := c.store.UpdateStatus(context.WithoutCancel(ctx), run.ID, model.RunStatusFailed, store.StatusFields{
			ErrorMessage: &run.ErrorMessage,
			CompletedAt:  &now,
		}); updErr != nil {
			c.log.Warn("mark aborted run failed",
				zap.String("run_id", run.ID),
				zap.Error(updErr),
			)
		}
		c.hub.Finish(run.Snapshot())
	}()

	log := c.log.With(zap.String("run_id", run.ID), zap.String("document_id", run.DocumentID))
	log.Info("run starting", zap.Int("max_cycles", run.MaxCycles), zap.Int("target_score", run.TargetScore))

	doc, err := c.docs.Load(ctx, run.DocumentID)
	if err != nil {
		return c.fail(ctx, run, nil, fmt.Sprintf("load document: %v", err))
	}

	// Per-chapter correction history feeding the judge, and running
	// totals for the final report.
	history := make(map[int][]judge.CorrectionRecord)
	var totalFixed, totalStructural int

	for cycle := 1; cycle <= run.MaxCycles; cycle++ {
		draft := &model.CorrectionCycle{Cycle: cycle, StartedAt: time.Now().UTC()}

		if c.shouldStop(ctx, flag) {
			return c.cancel(ctx, run, draft)
		}
		run.CurrentCycle = cycle
		if err := c.setStatus(ctx, run, model.RunStatusAuditing, store.StatusFields{CurrentCycle: &cycle}); err != nil {
			return err
		}
		c.logf(ctx, run, "info", "cycle %d/%d: auditing", cycle, run.MaxCycles)

		auditRes, err := c.auditor.Audit(ctx, audit.Input{
			Chapters: doc.Chapters,
			Genre:    doc.Genre,
			Language: doc.Language,
		})
		if err != nil {
			return c.fail(ctx, run, draft, fmt.Sprintf("audit cycle %d: %v", cycle, err))
		}

		draft.AuditID = auditRes.AuditID
		draft.OverallScore = auditRes.Score
		draft.CriticalIssues = auditRes.CriticalCount()
		draft.TotalIssues = len(auditRes.Violations)
		c.logf(ctx, run, "info", "cycle %d: score %.1f, %d issues (%d critical)",
			cycle, auditRes.Score, draft.TotalIssues, draft.CriticalIssues)

		// Termination policy, in priority order.
		scoreScaled := auditRes.Score * 10
		switch {
		case scoreScaled >= float64(run.TargetScore) && draft.CriticalIssues <= run.MaxCriticalIssues:
			draft.Result = model.CycleResultThresholdMet
			return c.complete(ctx, run, draft, totalFixed, totalStructural)
		case draft.TotalIssues == 0:
			draft.Result = model.CycleResultNoIssues
			return c.complete(ctx, run, draft, totalFixed, totalStructural)
		case cycle == run.MaxCycles:
			draft.Result = model.CycleResultMaxCycles
			return c.complete(ctx, run, draft, totalFixed, totalStructural)
		}

		if c.shouldStop(ctx, flag) {
			return c.cancel(ctx, run, draft)
		}
		if err := c.setStatus(ctx, run, model.RunStatusCorrecting, store.StatusFields{}); err != nil {
			return err
		}

		// Judge triage: issues restating an already-applied fix are
		// excluded from the fix batch but stay counted in TotalIssues.
		toFix, err := c.triage(ctx, run, auditRes.Violations, history)
		if err != nil {
			return c.fail(ctx, run, draft, fmt.Sprintf("judge cycle %d: %v", cycle, err))
		}
		c.logf(ctx, run, "info", "cycle %d: correcting %d of %d issues", cycle, len(toFix), draft.TotalIssues)

		fixRes, err := c.applier.Apply(ctx, *doc, toFix)
		if err != nil {
			return c.fail(ctx, run, draft, fmt.Sprintf("correct cycle %d: %v", cycle, err))
		}

		if c.shouldStop(ctx, flag) {
			return c.cancel(ctx, run, draft)
		}
		if err := c.setStatus(ctx, run, model.RunStatusApproving, store.StatusFields{}); err != nil {
			return err
		}
		doc.Chapters = fixRes.Chapters
		draft.SnapshotID = uuid.New().String()

		if c.shouldStop(ctx, flag) {
			return c.cancel(ctx, run, draft)
		}
		if err := c.setStatus(ctx, run, model.RunStatusFinalizing, store.StatusFields{}); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, f := range fixRes.Fixes {
			history[f.ChapterNumber] = append(history[f.ChapterNumber], judge.CorrectionRecord{
				Cycle:       cycle,
				IssueType:   f.IssueType,
				Description: f.Description,
				Fix:         f.AppliedFix,
				AppliedAt:   now,
			})
		}
		draft.IssuesFixed = len(fixRes.Fixes)
		draft.StructuralChanges = fixRes.StructuralChanges
		draft.Result = model.CycleResultCorrected
		totalFixed += draft.IssuesFixed
		totalStructural += draft.StructuralChanges

		if err := c.appendCycle(ctx, run, draft); err != nil {
			return err
		}

		if c.shouldStop(ctx, flag) {
			return c.cancel(ctx, run, nil)
		}
		if err := c.setStatus(ctx, run, model.RunStatusReAuditing, store.StatusFields{}); err != nil {
			return err
		}
	}

	// Unreachable: the max_cycles branch terminates the loop.
	return nil
}

// triage evaluates each violation against its chapter's correction
// history. A judge transport failure is fatal; a malformed verdict is
// handled inside the judge and never reaches here.
func (c *Coordinator) triage(ctx context.Context, run *model.CorrectionRun, violations []model.Violation, history map[int][]judge.CorrectionRecord) ([]model.Violation, error) {
	var toFix []model.Violation
	for _, v := range violations {
		verdict, err := c.judge.Evaluate(ctx, v, history[v.ChapterNumber])
		if err != nil {
			return nil, err
		}
		if verdict.IsResolved {
			c.logf(ctx, run, "info", "ch%d %s already resolved (confidence %.2f), skipping",
				v.ChapterNumber, v.Type, verdict.Confidence)
			continue
		}
		toFix = append(toFix, v)
	}
	return toFix, nil
}

// complete appends the final cycle and transitions the run to
// completed, deriving finals from the last cycle and the running sums.
func (c *Coordinator) complete(ctx context.Context, run *model.CorrectionRun, draft *model.CorrectionCycle, totalFixed, totalStructural int) error {
	if err := c.appendCycle(ctx, run, draft); err != nil {
		return err
	}

	now := time.Now().UTC()
	fields := store.StatusFields{
		FinalScore:             &draft.OverallScore,
		FinalCriticalIssues:    &draft.CriticalIssues,
		TotalIssuesFixed:       &totalFixed,
		TotalStructuralChanges: &totalStructural,
		CompletedAt:            &now,
	}
	if err := c.store.UpdateStatus(ctx, run.ID, model.RunStatusCompleted, fields); err != nil {
		return err
	}
	run.Status = model.RunStatusCompleted
	run.FinalScore = &draft.OverallScore
	run.FinalCriticalIssues = &draft.CriticalIssues
	run.TotalIssuesFixed = &totalFixed
	run.TotalStructuralChanges = &totalStructural
	run.CompletedAt = &now

	c.log.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("result", string(draft.Result)),
		zap.Float64("final_score", draft.OverallScore),
		zap.Int("cycles", len(run.Cycles)),
	)
	c.hub.Finish(run.Snapshot())
	return nil
}

// cancel finalizes the in-flight cycle (if any) with result cancelled
// and transitions the run to cancelled.
func (c *Coordinator) cancel(ctx context.Context, run *model.CorrectionRun, draft *model.CorrectionCycle) error {
	if draft != nil {
		draft.Result = model.CycleResultCancelled
		if err := c.appendCycle(ctx, run, draft); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	if err := c.store.UpdateStatus(ctx, run.ID, model.RunStatusCancelled, store.StatusFields{CompletedAt: &now}); err != nil {
		return err
	}
	run.Status = model.RunStatusCancelled
	run.CompletedAt = &now

	c.log.Info("run cancelled", zap.String("run_id", run.ID))
	c.hub.Finish(run.Snapshot())
	return nil
}

// fail records the in-flight cycle with result error, sets the error
// message, and transitions the run to failed.
func (c *Coordinator) fail(ctx context.Context, run *model.CorrectionRun, draft *model.CorrectionCycle, msg string) error {
	if draft != nil {
		draft.Result = model.CycleResultError
		if err := c.appendCycle(ctx, run, draft); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	if err := c.store.UpdateStatus(ctx, run.ID, model.RunStatusFailed, store.StatusFields{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	run.Status = model.RunStatusFailed
	run.ErrorMessage = msg
	run.CompletedAt = &now

	c.log.Error("run failed", zap.String("run_id", run.ID), zap.String("error", msg))
	c.hub.Finish(run.Snapshot())
	return nil
}

func (c *Coordinator) appendCycle(ctx context.Context, run *model.CorrectionRun, draft *model.CorrectionCycle) error {
	draft.CompletedAt = time.Now().UTC()
	if err := c.store.AppendCycle(ctx, run.ID, *draft); err != nil {
		return err
	}
	run.Cycles = append(run.Cycles, *draft)
	c.hub.Publish(run.Snapshot())
	return nil
}

func (c *Coordinator) setStatus(ctx context.Context, run *model.CorrectionRun, status model.RunStatus, fields store.StatusFields) error {
	if err := c.store.UpdateStatus(ctx, run.ID, status, fields); err != nil {
		return err
	}
	run.Status = status
	c.hub.Publish(run.Snapshot())
	return nil
}

// logf appends a progress log entry. Log persistence failures are
// logged and swallowed; they never fail a run.
func (c *Coordinator) logf(ctx context.Context, run *model.CorrectionRun, level, format string, args ...any) {
	entry := model.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}
	if err := c.store.AppendLog(ctx, run.ID, entry); err != nil {
		c.log.Warn("append log failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	run.Log = append(run.Log, entry)
	c.hub.Publish(run.Snapshot())
}

// shouldStop reports whether the cooperative cancel flag or the
// context asks the run to stop. Checked only at phase boundaries.
func (c *Coordinator) shouldStop(ctx context.Context, flag *atomic.Bool) bool {
	return flag.Load() || ctx.Err() != nil
}

func (c *Coordinator) register(runID string) *atomic.Bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	flag := &atomic.Bool{}
	c.cancels[runID] = flag
	return flag
}

func (c *Coordinator) unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, runID)
}

func ptr[T any](v T) *T { return &v }
