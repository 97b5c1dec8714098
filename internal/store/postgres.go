package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fablepress/revision-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Satisfied by
// pgxmock for unit testing.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot path of run execution.
var preparedStatements = map[string]string{
	"insert_cycle": `INSERT INTO run_cycles (run_id, cycle, data) VALUES ($1, $2, $3)`,
	"insert_log":   `INSERT INTO run_log (run_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
	"get_run": `SELECT id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues,
		final_score, final_critical_issues, total_issues_fixed, total_structural_changes,
		error_message, created_at, completed_at FROM runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id                       TEXT PRIMARY KEY,
	document_id              TEXT NOT NULL,
	status                   TEXT NOT NULL DEFAULT 'pending',
	current_cycle            INTEGER NOT NULL DEFAULT 0,
	max_cycles               INTEGER NOT NULL,
	target_score             INTEGER NOT NULL,
	max_critical_issues      INTEGER NOT NULL DEFAULT 0,
	final_score              DOUBLE PRECISION,
	final_critical_issues    INTEGER,
	total_issues_fixed       INTEGER,
	total_structural_changes INTEGER,
	error_message            TEXT,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at             TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS run_cycles (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	cycle  INTEGER NOT NULL,
	data   JSONB NOT NULL,
	PRIMARY KEY (run_id, cycle)
);

CREATE TABLE IF NOT EXISTS run_log (
	id      BIGSERIAL PRIMARY KEY,
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	ts      TIMESTAMPTZ NOT NULL,
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

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, documentID string, params model.RunParams) (*model.CorrectionRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues, created_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6, $7)`,
		id, documentID, string(model.RunStatusPending),
		params.MaxCycles, params.TargetScore, params.MaxCriticalIssues, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrActiveRunExists
		}
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) AppendCycle(ctx context.Context, runID string, cycle model.CorrectionCycle) error {
	data, err := json.Marshal(cycle)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cycle")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_cycles (run_id, cycle, data) VALUES ($1, $2, $3)`,
		runID, cycle.Cycle, data,
	)
	return eris.Wrapf(err, "postgres: append cycle %d to run %s", cycle.Cycle, runID)
}

func (s *PostgresStore) AppendLog(ctx context.Context, runID string, entry model.LogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_log (run_id, ts, level, message) VALUES ($1, $2, $3, $4)`,
		runID, entry.Timestamp.UTC(), entry.Level, entry.Message,
	)
	return eris.Wrapf(err, "postgres: append log to run %s", runID)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus, fields StatusFields) error {
	query := `UPDATE runs SET status = $1`
	args := []any{string(status)}

	set := func(col string, val any) {
		args = append(args, val)
		query += ", " + col + " = $" + strconv.Itoa(len(args))
	}
	if fields.CurrentCycle != nil {
		set("current_cycle", *fields.CurrentCycle)
	}
	if fields.FinalScore != nil {
		set("final_score", *fields.FinalScore)
	}
	if fields.FinalCriticalIssues != nil {
		set("final_critical_issues", *fields.FinalCriticalIssues)
	}
	if fields.TotalIssuesFixed != nil {
		set("total_issues_fixed", *fields.TotalIssuesFixed)
	}
	if fields.TotalStructuralChanges != nil {
		set("total_structural_changes", *fields.TotalStructuralChanges)
	}
	if fields.ErrorMessage != nil {
		set("error_message", *fields.ErrorMessage)
	}
	if fields.CompletedAt != nil {
		set("completed_at", fields.CompletedAt.UTC())
	}
	args = append(args, runID)
	query += " WHERE id = $" + strconv.Itoa(len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status for run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.CorrectionRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues,
		        final_score, final_critical_issues, total_issues_fixed, total_structural_changes,
		        error_message, created_at, completed_at
		 FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgRun(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) ListRunsByDocument(ctx context.Context, documentID string) ([]model.CorrectionRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, document_id, status, current_cycle, max_cycles, target_score, max_critical_issues,
		        final_score, final_critical_issues, total_issues_fixed, total_structural_changes,
		        error_message, created_at, completed_at
		 FROM runs WHERE document_id = $1 ORDER BY created_at DESC`,
		documentID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.CorrectionRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list runs iterate")
	}
	for i := range runs {
		if err := s.loadHistory(ctx, &runs[i]); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "postgres: delete lookup")
	}
	if !model.RunStatus(status).IsTerminal() {
		return ErrRunNotTerminal
	}

	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE id = $1`, runID); err != nil {
		return eris.Wrap(err, "postgres: delete run")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete")
}

func (s *PostgresStore) loadHistory(ctx context.Context, run *model.CorrectionRun) error {
	cycleRows, err := s.pool.Query(ctx,
		`SELECT data FROM run_cycles WHERE run_id = $1 ORDER BY cycle ASC`, run.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load cycles")
	}
	defer cycleRows.Close()
	for cycleRows.Next() {
		var data []byte
		if err := cycleRows.Scan(&data); err != nil {
			return eris.Wrap(err, "postgres: scan cycle")
		}
		var c model.CorrectionCycle
		if err := json.Unmarshal(data, &c); err != nil {
			return eris.Wrap(err, "postgres: unmarshal cycle")
		}
		run.Cycles = append(run.Cycles, c)
	}
	if err := cycleRows.Err(); err != nil {
		return eris.Wrap(err, "postgres: iterate cycles")
	}

	logRows, err := s.pool.Query(ctx,
		`SELECT ts, level, message FROM run_log WHERE run_id = $1 ORDER BY id ASC`, run.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: load log")
	}
	defer logRows.Close()
	for logRows.Next() {
		var e model.LogEntry
		if err := logRows.Scan(&e.Timestamp, &e.Level, &e.Message); err != nil {
			return eris.Wrap(err, "postgres: scan log entry")
		}
		run.Log = append(run.Log, e)
	}
	return eris.Wrap(logRows.Err(), "postgres: iterate log")
}

func scanPgRun(row pgx.Row) (*model.CorrectionRun, error) {
	var r model.CorrectionRun
	var errMsg *string
	err := row.Scan(
		&r.ID, &r.DocumentID, &r.Status, &r.CurrentCycle, &r.MaxCycles,
		&r.TargetScore, &r.MaxCriticalIssues,
		&r.FinalScore, &r.FinalCriticalIssues, &r.TotalIssuesFixed, &r.TotalStructuralChanges,
		&errMsg, &r.CreatedAt, &r.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	if errMsg != nil {
		r.ErrorMessage = *errMsg
	}
	return &r, nil
}

