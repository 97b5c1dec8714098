package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablepress/revision-cli/internal/audit"
	"github.com/fablepress/revision-cli/internal/corrector"
	"github.com/fablepress/revision-cli/internal/inference"
	"github.com/fablepress/revision-cli/internal/judge"
	"github.com/fablepress/revision-cli/internal/model"
	"github.com/fablepress/revision-cli/internal/progress"
	"github.com/fablepress/revision-cli/internal/store"
)

// fakeAuditor returns one scripted result (or error) per cycle.
type fakeAuditor struct {
	results []*audit.Result
	errs    []error
	calls   int
}

func (f *fakeAuditor) Audit(context.Context, audit.Input) (*audit.Result, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.results[i], nil
}

// fakeApplier delegates to fn, or fixes everything it is given.
type fakeApplier struct {
	fn    func(ctx context.Context, doc model.Document, violations []model.Violation) (*corrector.Result, error)
	seen  [][]model.Violation
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, doc model.Document, violations []model.Violation) (*corrector.Result, error) {
	f.calls++
	f.seen = append(f.seen, violations)
	if f.fn != nil {
		return f.fn(ctx, doc, violations)
	}
	res := &corrector.Result{Chapters: doc.Chapters}
	for _, v := range violations {
		res.Fixes = append(res.Fixes, corrector.Fix{
			ChapterNumber: v.ChapterNumber,
			IssueType:     v.Type,
			Description:   v.Description,
			AppliedFix:    "rewrote the passage",
		})
	}
	return res, nil
}

// fakeJudge delegates to fn, defaulting to "unresolved".
type fakeJudge struct {
	fn func(issue model.Violation, history []judge.CorrectionRecord) (judge.Judgment, error)
}

func (f *fakeJudge) Evaluate(_ context.Context, issue model.Violation, history []judge.CorrectionRecord) (judge.Judgment, error) {
	if f.fn != nil {
		return f.fn(issue, history)
	}
	return judge.Judgment{IsResolved: false, Confidence: 1.0}, nil
}

type fakeDocs struct{ doc model.Document }

func (f *fakeDocs) Load(context.Context, string) (*model.Document, error) {
	d := f.doc
	return &d, nil
}

func testDoc() model.Document {
	return model.Document{
		ID:       "doc-1",
		Genre:    "fantasy",
		Language: "English",
		Chapters: []model.Chapter{
			{Number: 1, Title: "One", Text: "first"},
			{Number: 2, Title: "Two", Text: "second"},
		},
	}
}

func auditResult(score float64, violations ...model.Violation) *audit.Result {
	return &audit.Result{AuditID: "audit-x", Score: score, Violations: violations}
}

func criticalIssue(ch int) model.Violation {
	return model.Violation{ChapterNumber: ch, Type: model.ViolationCharacterResurrection, Severity: model.SeverityCritical, Description: "dead character speaks"}
}

func minorIssue(ch int) model.Violation {
	return model.Violation{ChapterNumber: ch, Type: model.ViolationTimelineError, Severity: model.SeverityMinor, Description: "season mismatch"}
}

func newTestCoordinator(t *testing.T, auditor Auditor, applier CorrectionApplier, rj ResolutionJudge) (*Coordinator, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	hub := progress.NewHub(zap.NewNop())
	c := New(st, &fakeDocs{doc: testDoc()}, auditor, applier, rj, hub, zap.NewNop())
	return c, st
}

func startRun(t *testing.T, c *Coordinator, params model.RunParams) *model.CorrectionRun {
	t.Helper()
	run, err := c.Start(context.Background(), "doc-1", params)
	require.NoError(t, err)
	return run
}

func TestStart_RejectsBadParams(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeAuditor{}, &fakeApplier{}, &fakeJudge{})

	_, err := c.Start(context.Background(), "doc-1", model.RunParams{MaxCycles: 0, TargetScore: 85})
	var validation *model.ValidationError
	assert.ErrorAs(t, err, &validation)

	_, err = c.Start(context.Background(), "doc-1", model.RunParams{MaxCycles: 3, TargetScore: 45})
	assert.ErrorAs(t, err, &validation)
}

func TestStart_RejectsDuplicateActiveRun(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeAuditor{}, &fakeApplier{}, &fakeJudge{})

	_, err := c.Start(context.Background(), "doc-1", model.RunParams{MaxCycles: 3, TargetScore: 85})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), "doc-1", model.RunParams{MaxCycles: 3, TargetScore: 85})
	assert.ErrorIs(t, err, store.ErrActiveRunExists)
}

func TestExecute_ThresholdMetFirstCycle(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(9.0, minorIssue(1), minorIssue(2)),
	}}
	applier := &fakeApplier{}
	c, st := newTestCoordinator(t, auditor, applier, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85, MaxCriticalIssues: 0})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.Len(t, got.Cycles, 1)
	assert.Equal(t, model.CycleResultThresholdMet, got.Cycles[0].Result)
	require.NotNil(t, got.FinalScore)
	assert.Equal(t, 9.0, *got.FinalScore)
	assert.Zero(t, applier.calls, "no corrections once the threshold is met")
}

func TestExecute_ThresholdBlockedByCriticalIssues(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(9.0, criticalIssue(1)),
		auditResult(9.5),
	}}
	c, st := newTestCoordinator(t, auditor, &fakeApplier{}, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85, MaxCriticalIssues: 0})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, got.Cycles, 2, "critical issue forces a correction cycle despite the high score")
	assert.Equal(t, model.CycleResultCorrected, got.Cycles[0].Result)
	assert.Equal(t, model.CycleResultThresholdMet, got.Cycles[1].Result)
}

func TestExecute_NoIssuesBeforeMaxCycles(t *testing.T) {
	// A score below target with an empty violation list exercises the
	// termination priority: no_issues outranks max_cycles.
	auditor := &fakeAuditor{results: []*audit.Result{auditResult(7.0)}}
	c, st := newTestCoordinator(t, auditor, &fakeApplier{}, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.Len(t, got.Cycles, 1)
	assert.Equal(t, model.CycleResultNoIssues, got.Cycles[0].Result)
}

func TestExecute_MaxCyclesExhausted(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(5.0, criticalIssue(1), minorIssue(2)),
		auditResult(6.0, criticalIssue(1)),
	}}
	c, st := newTestCoordinator(t, auditor, &fakeApplier{}, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 2, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.Len(t, got.Cycles, 2)
	assert.LessOrEqual(t, len(got.Cycles), got.MaxCycles)
	assert.Equal(t, model.CycleResultCorrected, got.Cycles[0].Result)
	assert.Equal(t, model.CycleResultMaxCycles, got.Cycles[1].Result)

	// Finals come from the last cycle plus running sums.
	require.NotNil(t, got.FinalScore)
	assert.Equal(t, got.Cycles[1].OverallScore, *got.FinalScore)
	require.NotNil(t, got.TotalIssuesFixed)
	assert.Equal(t, 2, *got.TotalIssuesFixed)
}

func TestExecute_AuditErrorFailsRun(t *testing.T) {
	callErr := &inference.ExternalCallError{Op: "create message", Err: context.DeadlineExceeded}
	auditor := &fakeAuditor{errs: []error{callErr}}
	c, st := newTestCoordinator(t, auditor, &fakeApplier{}, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "audit cycle 1")
	require.Len(t, got.Cycles, 1)
	assert.Equal(t, model.CycleResultError, got.Cycles[0].Result)
	assert.Equal(t, 1, auditor.calls, "no further cycles after a failure")
}

func TestExecute_CorrectionErrorFailsRun(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{auditResult(5.0, criticalIssue(1))}}
	applier := &fakeApplier{fn: func(context.Context, model.Document, []model.Violation) (*corrector.Result, error) {
		return nil, &inference.ExternalCallError{Op: "create message", Err: context.DeadlineExceeded}
	}}
	c, st := newTestCoordinator(t, auditor, applier, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "correct cycle 1")
}

func TestExecute_CancelDuringCorrecting(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{auditResult(5.0, criticalIssue(1))}}
	var c *Coordinator
	var runID string
	applier := &fakeApplier{fn: func(ctx context.Context, doc model.Document, violations []model.Violation) (*corrector.Result, error) {
		// Cancellation arriving while corrections are in flight is
		// honored at the next phase boundary.
		require.NoError(t, c.Cancel(ctx, runID))
		return &corrector.Result{Chapters: doc.Chapters}, nil
	}}
	var st store.Store
	c, st = newTestCoordinator(t, auditor, applier, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})
	runID = run.ID

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCancelled, got.Status)
	require.Len(t, got.Cycles, 1)
	assert.Equal(t, model.CycleResultCancelled, got.Cycles[0].Result)
	assert.Equal(t, 1, applier.calls, "in-flight correction ran to completion")
}

func TestExecute_JudgeTriageExcludesResolvedIssues(t *testing.T) {
	resolved := minorIssue(1)
	fresh := criticalIssue(2)
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(5.0, resolved, fresh),
		auditResult(9.5),
	}}
	applier := &fakeApplier{}
	rj := &fakeJudge{fn: func(issue model.Violation, _ []judge.CorrectionRecord) (judge.Judgment, error) {
		if issue.Description == resolved.Description {
			return judge.Judgment{IsResolved: true, Confidence: 0.9}, nil
		}
		return judge.Judgment{IsResolved: false, Confidence: 1.0}, nil
	}}
	c, st := newTestCoordinator(t, auditor, applier, rj)
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	require.Len(t, applier.seen, 1)
	require.Len(t, applier.seen[0], 1, "resolved issue excluded from the fix batch")
	assert.Equal(t, fresh.Description, applier.seen[0][0].Description)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Cycles[0].TotalIssues, "excluded issues still counted")
	assert.Equal(t, 1, got.Cycles[0].IssuesFixed)
}

func TestExecute_JudgeErrorFailsRun(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{auditResult(5.0, criticalIssue(1))}}
	rj := &fakeJudge{fn: func(model.Violation, []judge.CorrectionRecord) (judge.Judgment, error) {
		return judge.Judgment{}, &inference.ExternalCallError{Op: "create message", Err: context.DeadlineExceeded}
	}}
	c, st := newTestCoordinator(t, auditor, &fakeApplier{}, rj)
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "judge cycle 1")
}

func TestExecute_CorrectionHistoryReachesJudge(t *testing.T) {
	issue := criticalIssue(1)
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(5.0, issue),
		auditResult(5.5, issue),
		auditResult(9.5),
	}}
	var histories [][]judge.CorrectionRecord
	rj := &fakeJudge{fn: func(_ model.Violation, history []judge.CorrectionRecord) (judge.Judgment, error) {
		histories = append(histories, history)
		return judge.Judgment{IsResolved: false, Confidence: 1.0}, nil
	}}
	c, _ := newTestCoordinator(t, auditor, &fakeApplier{}, rj)
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	require.NoError(t, c.Execute(context.Background(), run))

	require.Len(t, histories, 2)
	assert.Empty(t, histories[0], "first cycle has no prior corrections")
	require.Len(t, histories[1], 1, "second cycle sees the first cycle's fix")
	assert.Equal(t, 1, histories[1][0].Cycle)
	assert.Equal(t, issue.Type, histories[1][0].IssueType)
}

// flakyStore fails UpdateStatus for one target status and delegates
// everything else.
type flakyStore struct {
	store.Store
	failOn model.RunStatus
}

func (f *flakyStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, fields store.StatusFields) error {
	if status == f.failOn {
		return errors.New("disk full")
	}
	return f.Store.UpdateStatus(ctx, runID, status, fields)
}

func TestExecute_StoreFailureStillFinishesStream(t *testing.T) {
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() }) //nolint:errcheck
	require.NoError(t, base.Migrate(context.Background()))
	st := &flakyStore{Store: base, failOn: model.RunStatusCorrecting}

	auditor := &fakeAuditor{results: []*audit.Result{auditResult(5.0, criticalIssue(1))}}
	hub := progress.NewHub(zap.NewNop())
	c := New(st, &fakeDocs{doc: testDoc()}, auditor, &fakeApplier{}, &fakeJudge{}, hub, zap.NewNop())

	run, err := c.Start(context.Background(), "doc-1", model.RunParams{MaxCycles: 3, TargetScore: 85})
	require.NoError(t, err)

	updates, unsubscribe := hub.Subscribe(run.ID)
	defer unsubscribe()

	require.Error(t, c.Execute(context.Background(), run))

	// The stream must end with a terminal event and a channel close
	// even though no terminal handler ran.
	var last model.ProgressSnapshot
	var received bool
	for snap := range updates {
		last = snap
		received = true
	}
	require.True(t, received)
	assert.Equal(t, model.RunStatusFailed, last.Status)
	assert.NotEmpty(t, last.ErrorMessage)

	got, err := base.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
}

func TestExecute_AuditingSnapshotCarriesCurrentCycle(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{
		auditResult(5.0, criticalIssue(1)),
		auditResult(9.5),
	}}
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	hub := progress.NewHub(zap.NewNop())
	c := New(st, &fakeDocs{doc: testDoc()}, auditor, &fakeApplier{}, &fakeJudge{}, hub, zap.NewNop())
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})

	updates, unsubscribe := hub.Subscribe(run.ID)
	defer unsubscribe()

	require.NoError(t, c.Execute(context.Background(), run))

	var auditCycles []int
	for snap := range updates {
		if snap.Status == model.RunStatusAuditing {
			auditCycles = append(auditCycles, snap.CurrentCycle)
		}
	}
	require.NotEmpty(t, auditCycles)
	assert.NotContains(t, auditCycles, 0, "snapshot broadcast before the cycle number advanced")
	assert.Equal(t, 1, auditCycles[0])
	assert.Equal(t, 2, auditCycles[len(auditCycles)-1])
}

func TestCancel_UnknownRun(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeAuditor{}, &fakeApplier{}, &fakeJudge{})
	err := c.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_IdempotentOnTerminalRun(t *testing.T) {
	auditor := &fakeAuditor{results: []*audit.Result{auditResult(9.5)}}
	c, _ := newTestCoordinator(t, auditor, &fakeApplier{}, &fakeJudge{})
	run := startRun(t, c, model.RunParams{MaxCycles: 3, TargetScore: 85})
	require.NoError(t, c.Execute(context.Background(), run))

	assert.NoError(t, c.Cancel(context.Background(), run.ID))
	assert.NoError(t, c.Cancel(context.Background(), run.ID))
}
