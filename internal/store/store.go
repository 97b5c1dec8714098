package store

import (
	"context"
	"errors"
	"time"

	"github.com/fablepress/revision-cli/internal/model"
)

// Sentinel errors shared by all backends. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrActiveRunExists indicates the document already has a run in a
	// non-terminal status. At most one such run may exist per document.
	ErrActiveRunExists = errors.New("document already has an active run")

	// ErrRunNotTerminal indicates a delete was attempted on a run that
	// is still active.
	ErrRunNotTerminal = errors.New("run is not in a terminal status")
)

// StatusFields carries the optional columns an UpdateStatus call may
// set alongside the status itself. Nil fields are left untouched.
type StatusFields struct {
	CurrentCycle           *int
	FinalScore             *float64
	FinalCriticalIssues    *int
	TotalIssuesFixed       *int
	TotalStructuralChanges *int
	ErrorMessage           *string
	CompletedAt            *time.Time
}

// Store persists correction runs, their cycle history, and progress
// logs.
type Store interface {
	// CreateRun inserts a new pending run. The check for an existing
	// active run on the same document is atomic with the insert:
	// concurrent creation attempts for one document yield exactly one
	// success, the rest fail with ErrActiveRunExists.
	CreateRun(ctx context.Context, documentID string, params model.RunParams) (*model.CorrectionRun, error)

	// AppendCycle appends an immutable cycle record to the run's history.
	AppendCycle(ctx context.Context, runID string, cycle model.CorrectionCycle) error

	// AppendLog appends a progress log entry to the run.
	AppendLog(ctx context.Context, runID string, entry model.LogEntry) error

	// UpdateStatus transitions the run's status and sets any provided
	// final fields.
	UpdateStatus(ctx context.Context, runID string, status model.RunStatus, fields StatusFields) error

	// GetRun loads a run with its full cycle history and log.
	GetRun(ctx context.Context, runID string) (*model.CorrectionRun, error)

	// ListRunsByDocument returns all runs for a document, newest first.
	ListRunsByDocument(ctx context.Context, documentID string) ([]model.CorrectionRun, error)

	// DeleteRun removes a run and its history. Rejects runs whose
	// status is non-terminal with ErrRunNotTerminal.
	DeleteRun(ctx context.Context, runID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
