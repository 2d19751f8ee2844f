package poll

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiberhive/oltpoll/errors"
)

// ExecutionStore handles persistence of execution attempts. It is the
// source of truth for quota counting, the running-of-same-type gate, and
// slot busy-state: the stored state is authoritative, not any in-memory
// flag.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

const executionColumns = `id, job_id, olt_id, operation_type, state, attempt_number,
	       scheduled_at, started_at, finished_at, duration_ms,
	       worker_id, error_kind, error_detail, parent_execution_id, created_at`

// Insert creates a new execution row. The caller sets ID, JobID, OLTID,
// OperationType, State, AttemptNumber, ScheduledAt, and optionally
// ParentExecutionID; everything else starts null.
func (s *ExecutionStore) Insert(ctx context.Context, ex *Execution) error {
	query := `
		INSERT INTO executions (
			id, job_id, olt_id, operation_type, state, attempt_number,
			scheduled_at, parent_execution_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var parentID interface{}
	if ex.ParentExecutionID != nil {
		parentID = *ex.ParentExecutionID
	}

	if ex.CreatedAt == "" {
		ex.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	_, err := s.db.ExecContext(ctx, query,
		ex.ID,
		ex.JobID,
		ex.OLTID,
		string(ex.OperationType),
		string(ex.State),
		ex.AttemptNumber,
		ex.ScheduledAt,
		parentID,
		ex.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert execution")
	}

	return nil
}

// TransitionFields carries the columns written alongside a state change.
// Nil fields are left untouched.
type TransitionFields struct {
	StartedAt   *time.Time
	FinishedAt  *time.Time
	DurationMs  *int
	WorkerID    *string
	ErrorKind   *ErrorKind
	ErrorDetail *string
}

// Transition moves an execution from one state to another with a
// compare-and-swap guard: a single UPDATE with a WHERE-state clause. When
// the row is not in the expected state (someone else already moved it, or
// startup recovery interrupted it) the update affects zero rows and
// errors.ErrStateConflict is returned.
func (s *ExecutionStore) Transition(ctx context.Context, id string, from, to ExecutionState, fields TransitionFields) error {
	query := `
		UPDATE executions
		SET state = ?,
		    started_at = COALESCE(?, started_at),
		    finished_at = COALESCE(?, finished_at),
		    duration_ms = COALESCE(?, duration_ms),
		    worker_id = COALESCE(?, worker_id),
		    error_kind = COALESCE(?, error_kind),
		    error_detail = COALESCE(?, error_detail)
		WHERE id = ? AND state = ?
	`

	var startedAt, finishedAt, durationMs, workerID, errorKind, errorDetail interface{}
	if fields.StartedAt != nil {
		startedAt = fields.StartedAt.UTC().Format(time.RFC3339)
	}
	if fields.FinishedAt != nil {
		finishedAt = fields.FinishedAt.UTC().Format(time.RFC3339)
	}
	if fields.DurationMs != nil {
		durationMs = *fields.DurationMs
	}
	if fields.WorkerID != nil {
		workerID = *fields.WorkerID
	}
	if fields.ErrorKind != nil {
		errorKind = string(*fields.ErrorKind)
	}
	if fields.ErrorDetail != nil {
		errorDetail = *fields.ErrorDetail
	}

	result, err := s.db.ExecContext(ctx, query,
		string(to),
		startedAt, finishedAt, durationMs, workerID, errorKind, errorDetail,
		id, string(from),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to transition execution %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrStateConflict, "execution %s not in state %s", id, from)
	}

	return nil
}

// CountTerminalSince counts terminal executions of a job whose finished_at
// falls after the given instant. Used by the scheduler's quota gate.
func (s *ExecutionStore) CountTerminalSince(ctx context.Context, jobID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM executions
		WHERE job_id = ?
		  AND state IN ('SUCCESS', 'FAILED', 'INTERRUPTED')
		  AND finished_at > ?
	`

	var count int
	err := s.db.QueryRowContext(ctx, query, jobID, since.UTC().Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count terminal executions for job %s", jobID)
	}
	return count, nil
}

// ExistsNonTerminal reports whether any execution for the (OLT, operation
// type) pair is PENDING or RUNNING. Backs the running-of-same-type gate.
func (s *ExecutionStore) ExistsNonTerminal(ctx context.Context, oltID string, opType OperationType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM executions
			WHERE olt_id = ? AND operation_type = ? AND state IN ('PENDING', 'RUNNING')
		)
	`

	var exists bool
	err := s.db.QueryRowContext(ctx, query, oltID, string(opType)).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check non-terminal executions for olt %s", oltID)
	}
	return exists, nil
}

// ListNonTerminal returns every PENDING or RUNNING execution. Used only by
// startup recovery, which interrupts rows no live slot owns.
func (s *ExecutionStore) ListNonTerminal(ctx context.Context) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE state IN ('PENDING', 'RUNNING')
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list non-terminal executions")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// Get retrieves an execution by ID.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	ex, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("execution not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return ex, nil
}

// ExecutionFilter narrows ListRecent results. Zero values mean no filter.
type ExecutionFilter struct {
	State ExecutionState
	OLTID string
	JobID string
}

// ListRecent returns the most recently created executions, newest first,
// optionally filtered. Serves the observability API.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int, filter ExecutionFilter) ([]*Execution, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}
	if filter.OLTID != "" {
		query += " AND olt_id = ?"
		args = append(args, filter.OLTID)
	}
	if filter.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, filter.JobID)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent executions")
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// ListByJob returns all executions for a job ordered by attempt, oldest
// first. Used by tests and the jobs API.
func (s *ExecutionStore) ListByJob(ctx context.Context, jobID string) ([]*Execution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM executions
		WHERE job_id = ?
		ORDER BY created_at ASC, attempt_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for job %s", jobID)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var ex Execution
	var opType, state string
	var startedAt, finishedAt, workerID, errorKind, errorDetail, parentID sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&ex.ID,
		&ex.JobID,
		&ex.OLTID,
		&opType,
		&state,
		&ex.AttemptNumber,
		&ex.ScheduledAt,
		&startedAt,
		&finishedAt,
		&durationMs,
		&workerID,
		&errorKind,
		&errorDetail,
		&parentID,
		&ex.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ex.OperationType = OperationType(opType)
	ex.State = ExecutionState(state)

	if startedAt.Valid {
		ex.StartedAt = &startedAt.String
	}
	if finishedAt.Valid {
		ex.FinishedAt = &finishedAt.String
	}
	if durationMs.Valid {
		d := int(durationMs.Int64)
		ex.DurationMs = &d
	}
	if workerID.Valid {
		ex.WorkerID = &workerID.String
	}
	if errorKind.Valid {
		ex.ErrorKind = &errorKind.String
	}
	if errorDetail.Valid {
		ex.ErrorDetail = &errorDetail.String
	}
	if parentID.Valid {
		ex.ParentExecutionID = &parentID.String
	}

	return &ex, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}
