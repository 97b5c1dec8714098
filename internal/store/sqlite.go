package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fablepress/revision-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// The partial unique index enforces the one-active-run-per-document
// invariant at the storage layer, making check-then-create atomic
// across concurrent creators.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                       TEXT PRIMARY KEY,
	document_id              TEXT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'pending',
	current_cycle            INTEGER NOT NULL DEFAULT 0,
	max_cycles               INTEGER NOT NULL,
	target_score             INTEGER NOT NULL,
	max_critical_issues      INTEGER NOT NULL DEFAULT 0,
	final_score              REAL,
	final_critical_issues    INTEGER,
	total_issues_fixed       INTEGER,
	total_structural_changes INTEGER,
	error_message            TEXT,
	created_at               DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at             DATETIME
);

CREATE TABLE IF NOT EXISTS run_cycles (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	cycle  INTEGER NOT NULL,
	data   TEXT NOT NULL,
	PRIMARY KEY (run_id, cycle)
);

CREATE TABLE IF NOT EXISTS run_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ts      DATETIME NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_document ON runs(document_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_run_log_run_id ON run_log(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active_per_document
	ON runs(document_id)
	WHERE status NOT IN ('completed', 'failed', 'cancelled');
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, documentID string, params model.RunParams) (*model.CorrectionRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues, created_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		id, documentID, string(model.RunStatusPending),
		params.MaxCycles, params.TargetScore, params.MaxCriticalIssues, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrActiveRunExists
		}
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.CorrectionRun{
		ID:                id,
		DocumentID:        documentID,
		Status:            model.RunStatusPending,
		MaxCycles:         params.MaxCycles,
		TargetScore:       params.TargetScore,
		MaxCriticalIssues: params.MaxCriticalIssues,
		CreatedAt:         now,
	}, nil
}

func (s *SQLiteStore) AppendCycle(ctx context.Context, runID string, cycle model.CorrectionCycle) error {
	data, err := json.Marshal(cycle)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cycle")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_cycles (run_id, cycle, data) VALUES (?, ?, ?)`,
		runID, cycle.Cycle, string(data),
	)
	return eris.Wrapf(err, "sqlite: append cycle %d to run %s", cycle.Cycle, runID)
}

func (s *SQLiteStore) AppendLog(ctx context.Context, runID string, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (run_id, ts, level, message) VALUES (?, ?, ?, ?)`,
		runID, entry.Timestamp.UTC(), entry.Level, entry.Message,
	)
	return eris.Wrapf(err, "sqlite: append log to run %s", runID)
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, fields StatusFields) error {
	query := `UPDATE runs SET status = ?`
	args := []any{string(status)}

	if fields.CurrentCycle != nil {
		query += `, current_cycle = ?`
		args = append(args, *fields.CurrentCycle)
	}
	if fields.FinalScore != nil {
		query += `, final_score = ?`
		args = append(args, *fields.FinalScore)
	}
	if fields.FinalCriticalIssues != nil {
		query += `, final_critical_issues = ?`
		args = append(args, *fields.FinalCriticalIssues)
	}
	if fields.TotalIssuesFixed != nil {
		query += `, total_issues_fixed = ?`
		args = append(args, *fields.TotalIssuesFixed)
	}
	if fields.TotalStructuralChanges != nil {
		query += `, total_structural_changes = ?`
		args = append(args, *fields.TotalStructuralChanges)
	}
	if fields.ErrorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *fields.ErrorMessage)
	}
	if fields.CompletedAt != nil {
		query += `, completed_at = ?`
		args = append(args, fields.CompletedAt.UTC())
	}
	query += ` WHERE id = ?`
	args = append(args, runID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status for run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.CorrectionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues,
		        final_score, final_critical_issues, total_issues_fixed, total_structural_changes,
		        error_message, created_at, completed_at
		 FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRunsByDocument(ctx context.Context, documentID string) ([]model.CorrectionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues,
		        final_score, final_critical_issues, total_issues_fixed, total_structural_changes,
		        error_message, created_at, completed_at
		 FROM runs WHERE document_id = ? ORDER BY created_at DESC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.CorrectionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadHistory(ctx, r); err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete")
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: delete lookup")
	}
	if !model.RunStatus(status).IsTerminal() {
		return ErrRunNotTerminal
	}

	for _, stmt := range []string{
		`DELETE FROM run_log WHERE run_id = ?`,
		`DELETE FROM run_cycles WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return eris.Wrap(err, "sqlite: delete run")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

func (s *SQLiteStore) loadHistory(ctx context.Context, run *model.CorrectionRun) error {
	cycleRows, err := s.db.QueryContext(ctx,
		`SELECT data FROM run_cycles WHERE run_id = ? ORDER BY cycle ASC`, run.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: load cycles")
	}
	defer cycleRows.Close()
	for cycleRows.Next() {
		var data string
		if err := cycleRows.Scan(&data); err != nil {
			return eris.Wrap(err, "sqlite: scan cycle")
		}
		var c model.CorrectionCycle
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal cycle")
		}
		run.Cycles = append(run.Cycles, c)
	}
	if err := cycleRows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate cycles")
	}

	logRows, err := s.db.QueryContext(ctx,
		`SELECT ts, level, message FROM run_log WHERE run_id = ? ORDER BY id ASC`, run.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: load log")
	}
	defer logRows.Close()
	for logRows.Next() {
		var e model.LogEntry
		if err := logRows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return eris.Wrap(err, "sqlite: scan log entry")
		}
		run.Log = append(run.Log, e)
	}
	return eris.Wrap(logRows.Err(), "sqlite: iterate log")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.CorrectionRun, error) {
	var r model.CorrectionRun
	var finalScore sql.NullFloat64
	var finalCritical, issuesFixed, structural sql.NullInt64
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.DocumentID, &r.Status, &r.CurrentCycle, &r.MaxCycles,
		&r.TargetScore, &r.MaxCriticalIssues,
		&finalScore, &finalCritical, &issuesFixed, &structural,
		&errMsg, &r.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}

	if finalScore.Valid {
		v := finalScore.Float64
		r.FinalScore = &v
	}
	if finalCritical.Valid {
		v := int(finalCritical.Int64)
		r.FinalCriticalIssues = &v
	}
	if issuesFixed.Valid {
		v := int(issuesFixed.Int64)
		r.TotalIssuesFixed = &v
	}
	if structural.Valid {
		v := int(structural.Int64)
		r.TotalStructuralChanges = &v
	}
	if errMsg.Valid {
		r.ErrorMessage = errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return &r, nil
}
