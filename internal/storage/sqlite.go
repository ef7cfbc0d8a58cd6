package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mpataki/antfarm/internal/models"
	_ "modernc.org/sqlite"
)

// Storage is the durable run store. UpdateRun is the only way to change an
// existing run; it runs inside an immediate transaction so concurrent
// read-modify-write cycles never interleave, across goroutines or processes.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(dbPath string) (*Storage, error) {
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s := &Storage{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT,
		task_title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		lead_agent_id TEXT,
		lead_session_label TEXT,
		pending_step INTEGER NOT NULL DEFAULT -1,
		session_step INTEGER NOT NULL DEFAULT -1,
		session_handle TEXT,
		error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS step_outcomes (
		run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		step_index INTEGER NOT NULL,
		success INTEGER NOT NULL,
		output TEXT,
		completed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_title
		ON runs(task_title) WHERE status NOT IN ('completed', 'failed');
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_title ON runs(task_title);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(ctx context.Context, run *models.Run) (string, error) {
	if run.ID == "" || run.TaskTitle == "" || run.WorkflowID == "" {
		return "", fmt.Errorf("run requires id, workflow id and task title")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE task_title = ? AND status NOT IN ('completed', 'failed')`,
		run.TaskTitle,
	).Scan(&existing)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %q (run %s)", ErrDuplicateActiveRun, run.TaskTitle, existing)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("check active run: %w", err)
	}

	now := s.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, workflow_name, task_title, status, lead_agent_id,
			lead_session_label, pending_step, session_step, session_handle, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkflowName, run.TaskTitle, run.Status, run.LeadAgentID,
		run.LeadSessionLabel, run.PendingStep, run.SessionStep, run.SessionHandle, run.Error,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %q", ErrDuplicateActiveRun, run.TaskTitle)
		}
		return "", fmt.Errorf("insert run: %w", err)
	}

	if err := insertOutcomes(ctx, tx, run.ID, 0, run.Steps); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	return run.ID, nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return getRun(ctx, s.db, `WHERE id = ?`, id)
}

// GetRunByTitle returns the active run for a task title, falling back to the
// most recently created terminal one.
func (s *Storage) GetRunByTitle(ctx context.Context, title string) (*models.Run, error) {
	return getRun(ctx, s.db,
		`WHERE task_title = ?
		 ORDER BY CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END, created_at DESC
		 LIMIT 1`, title)
}

// UpdateRun applies mutate to the current persisted state of a run and
// writes the result back atomically. If mutate returns an error nothing is
// written and that error is returned as is.
func (s *Storage) UpdateRun(ctx context.Context, id string, mutate func(*models.Run) error) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	run, err := getRun(ctx, tx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	before := len(run.Steps)

	if err := mutate(run); err != nil {
		return nil, err
	}

	if run.ID != id {
		return nil, fmt.Errorf("run %s: mutation changed the run id", id)
	}
	if !run.Status.Valid() {
		return nil, fmt.Errorf("run %s: invalid status %q", id, run.Status)
	}
	if len(run.Steps) < before {
		return nil, fmt.Errorf("run %s: step history is append-only", id)
	}

	run.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET workflow_name = ?, status = ?, lead_agent_id = ?, lead_session_label = ?,
			pending_step = ?, session_step = ?, session_handle = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		run.WorkflowName, run.Status, run.LeadAgentID, run.LeadSessionLabel,
		run.PendingStep, run.SessionStep, run.SessionHandle, run.Error, run.UpdatedAt, run.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateActiveRun, run.TaskTitle)
		}
		return nil, fmt.Errorf("update run %s: %w", id, err)
	}

	if err := insertOutcomes(ctx, tx, run.ID, before, run.Steps[before:]); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run %s: %w", id, err)
	}
	return run, nil
}

// ListActiveRuns returns non-terminal runs, oldest first.
func (s *Storage) ListActiveRuns(ctx context.Context) ([]*models.Run, error) {
	return listRuns(ctx, s.db,
		`WHERE status NOT IN ('completed', 'failed') ORDER BY created_at ASC`)
}

// ListRuns returns the most recent runs of any status. limit <= 0 means all.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		return listRuns(ctx, s.db, `ORDER BY created_at DESC`)
	}
	return listRuns(ctx, s.db, `ORDER BY created_at DESC LIMIT ?`, limit)
}

const runColumns = `SELECT id, workflow_id, workflow_name, task_title, status, lead_agent_id,
	lead_session_label, pending_step, session_step, session_handle, error, created_at, updated_at
	FROM runs `

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var workflowName, leadAgent, leadLabel, sessionHandle, runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.WorkflowID, &workflowName, &run.TaskTitle, &run.Status, &leadAgent,
		&leadLabel, &run.PendingStep, &run.SessionStep, &sessionHandle, &runErr,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.WorkflowName = workflowName.String
	run.LeadAgentID = leadAgent.String
	run.LeadSessionLabel = leadLabel.String
	run.SessionHandle = sessionHandle.String
	run.Error = runErr.String

	return &run, nil
}

func getRun(ctx context.Context, q querier, where string, args ...any) (*models.Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, runColumns+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, args[0])
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	steps, err := loadOutcomes(ctx, q, run.ID)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func listRuns(ctx context.Context, q querier, tail string, args ...any) ([]*models.Run, error) {
	rows, err := q.QueryContext(ctx, runColumns+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", ErrStoreUnavailable, err)
	}

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, run := range runs {
		steps, err := loadOutcomes(ctx, q, run.ID)
		if err != nil {
			return nil, err
		}
		run.Steps = steps
	}
	return runs, nil
}

func loadOutcomes(ctx context.Context, q querier, runID string) ([]models.StepOutcome, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT step_index, success, output, completed_at
		 FROM step_outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []models.StepOutcome
	for rows.Next() {
		var o models.StepOutcome
		var output sql.NullString
		if err := rows.Scan(&o.Index, &o.Success, &output, &o.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan outcome for run %s: %w", runID, err)
		}
		o.Output = output.String
		steps = append(steps, o)
	}
	return steps, rows.Err()
}

func insertOutcomes(ctx context.Context, tx *sql.Tx, runID string, offset int, steps []models.StepOutcome) error {
	for i, o := range steps {
		completedAt := o.CompletedAt
		if completedAt.IsZero() {
			completedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_outcomes (run_id, seq, step_index, success, output, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			runID, offset+i, o.Index, o.Success, o.Output, completedAt,
		)
		if err != nil {
			return fmt.Errorf("insert outcome for run %s: %w", runID, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
