package model

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of a correction run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusAuditing   RunStatus = "auditing"
	RunStatusCorrecting RunStatus = "correcting"
	RunStatusApproving  RunStatus = "approving"
	RunStatusFinalizing RunStatus = "finalizing"
	RunStatusReAuditing RunStatus = "re_auditing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CycleResult records how a single audit→correct cycle ended.
type CycleResult string

const (
	CycleResultThresholdMet CycleResult = "threshold_met"
	CycleResultCorrected    CycleResult = "corrected"
	CycleResultNoIssues     CycleResult = "no_issues"
	CycleResultMaxCycles    CycleResult = "max_cycles"
	CycleResultError        CycleResult = "error"
	CycleResultCancelled    CycleResult = "cancelled"
)

// RunParams are the caller-supplied knobs for a correction run.
type RunParams struct {
	MaxCycles         int `json:"max_cycles"`
	TargetScore       int `json:"target_score"`
	MaxCriticalIssues int `json:"max_critical_issues"`
}

// Validate checks parameter ranges. MaxCriticalIssues defaults to 0 and
// may not be negative.
func (p RunParams) Validate() error {
	if p.MaxCycles < 1 || p.MaxCycles > 5 {
		return NewValidationError(fmt.Sprintf("max_cycles must be in [1,5], got %d", p.MaxCycles))
	}
	if p.TargetScore < 50 || p.TargetScore > 100 {
		return NewValidationError(fmt.Sprintf("target_score must be in [50,100], got %d", p.TargetScore))
	}
	if p.MaxCriticalIssues < 0 {
		return NewValidationError(fmt.Sprintf("max_critical_issues must be >= 0, got %d", p.MaxCriticalIssues))
	}
	return nil
}

// CorrectionRun is one execution of the correction pipeline for a document.
type CorrectionRun struct {
	ID                     string            `json:"id"`
	DocumentID             string            `json:"document_id"`
	Status                 RunStatus         `json:"status"`
	CurrentCycle           int               `json:"current_cycle"`
	MaxCycles              int               `json:"max_cycles"`
	TargetScore            int               `json:"target_score"`
	MaxCriticalIssues      int               `json:"max_critical_issues"`
	Cycles                 []CorrectionCycle `json:"cycle_history"`
	Log                    []LogEntry        `json:"progress_log"`
	FinalScore             *float64          `json:"final_score,omitempty"`
	FinalCriticalIssues    *int              `json:"final_critical_issues,omitempty"`
	TotalIssuesFixed       *int              `json:"total_issues_fixed,omitempty"`
	TotalStructuralChanges *int              `json:"total_structural_changes,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	CompletedAt            *time.Time        `json:"completed_at,omitempty"`
}

// CorrectionCycle is one audit→correct iteration. Immutable once appended
// to a run's history.
type CorrectionCycle struct {
	Cycle             int         `json:"cycle"`
	AuditID           string      `json:"audit_id,omitempty"`
	SnapshotID        string      `json:"snapshot_id,omitempty"`
	OverallScore      float64     `json:"overall_score"`
	CriticalIssues    int         `json:"critical_issues"`
	TotalIssues       int         `json:"total_issues"`
	IssuesFixed       int         `json:"issues_fixed"`
	StructuralChanges int         `json:"structural_changes"`
	Result            CycleResult `json:"result"`
	StartedAt         time.Time   `json:"started_at"`
	CompletedAt       time.Time   `json:"completed_at"`
}

// LogEntry is a timestamped progress message attached to a run.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ProgressSnapshot is the payload broadcast to stream subscribers, one
// per progress update. The final snapshot of a stream carries a terminal
// status.
type ProgressSnapshot struct {
	RunID                  string            `json:"run_id"`
	Status                 RunStatus         `json:"status"`
	CurrentCycle           int               `json:"current_cycle"`
	MaxCycles              int               `json:"max_cycles"`
	CycleHistory           []CorrectionCycle `json:"cycle_history"`
	ProgressLog            []LogEntry        `json:"progress_log"`
	FinalScore             *float64          `json:"final_score,omitempty"`
	FinalCriticalIssues    *int              `json:"final_critical_issues,omitempty"`
	TotalIssuesFixed       *int              `json:"total_issues_fixed,omitempty"`
	TotalStructuralChanges *int              `json:"total_structural_changes,omitempty"`
	ErrorMessage           string            `json:"error_message,omitempty"`
}

// Snapshot builds a ProgressSnapshot from the run's current state.
func (r *CorrectionRun) Snapshot() ProgressSnapshot {
	return ProgressSnapshot{
		RunID:                  r.ID,
		Status:                 r.Status,
		CurrentCycle:           r.CurrentCycle,
		MaxCycles:              r.MaxCycles,
		CycleHistory:           append([]CorrectionCycle(nil), r.Cycles...),
		ProgressLog:            append([]LogEntry(nil), r.Log...),
		FinalScore:             r.FinalScore,
		FinalCriticalIssues:    r.FinalCriticalIssues,
		TotalIssuesFixed:       r.TotalIssuesFixed,
		TotalStructuralChanges: r.TotalStructuralChanges,
		ErrorMessage:           r.ErrorMessage,
	}
}

// ValidationError indicates rejected input: bad parameters or a duplicate
// active run. No side effects occur before it is returned.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}
