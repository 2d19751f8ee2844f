package poll

import (
	"context"
	"database/sql"
	"time"

	"github.com/fiberhive/oltpoll/errors"
)

// JobStore handles persistence of polling jobs
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new job store
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `j.id, j.olt_id, j.operation_type, j.enabled, j.interval_seconds,
	       j.next_run_at, j.max_retries, j.retry_delay_seconds, j.oid, j.queue_hint,
	       j.parent_job_id, j.chain_position, j.parallel_ok, j.run_chain_on_failure,
	       j.created_at, j.updated_at`

// Create inserts a new job. When NextRunAt is zero it is initialized to
// now, so a freshly created job is due on the next tick.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	if !job.OperationType.Valid() {
		return errors.NewInvalidRequestError("unknown operation type: %s", job.OperationType)
	}
	if job.IntervalSeconds <= 0 {
		return errors.NewInvalidRequestError("interval_seconds must be positive, got %d", job.IntervalSeconds)
	}

	now := time.Now().UTC()
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO jobs (
			id, olt_id, operation_type, enabled, interval_seconds,
			next_run_at, max_retries, retry_delay_seconds, oid, queue_hint,
			parent_job_id, chain_position, parallel_ok, run_chain_on_failure,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var maxRetries, retryDelay, parentJobID interface{}
	if job.MaxRetries != nil {
		maxRetries = *job.MaxRetries
	}
	if job.RetryDelaySeconds != nil {
		retryDelay = *job.RetryDelaySeconds
	}
	if job.ParentJobID != nil {
		parentJobID = *job.ParentJobID
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OLTID,
		string(job.OperationType),
		job.Enabled,
		job.IntervalSeconds,
		job.NextRunAt.UTC().Format(time.RFC3339),
		maxRetries,
		retryDelay,
		job.OID,
		job.QueueHint,
		parentJobID,
		job.ChainPosition,
		job.ParallelOk,
		job.RunChainOnFailure,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// Get retrieves a job by ID
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j WHERE j.id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("job not found: %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// ListEnabledDue returns enabled jobs on enabled OLTs whose next_run_at has
// come due, in the scheduler's tie-break order: ascending next_run_at, then
// operation type, then job id. Chain jobs are included; the scheduler drops
// them itself so the decision is visible in its logs.
func (s *JobStore) ListEnabledDue(ctx context.Context, now time.Time) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs j
		INNER JOIN olts o ON o.id = j.olt_id
		WHERE j.enabled = 1 AND o.enabled = 1 AND j.next_run_at <= ?
		ORDER BY j.next_run_at ASC, j.operation_type ASC, j.id ASC
		LIMIT 500
	`

	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListUpcoming returns enabled master jobs on enabled OLTs with next_run_at
// in [from, to), in tie-break order. Feeds burst smoothing; chain jobs are
// excluded because their next_run_at never drives scheduling.
func (s *JobStore) ListUpcoming(ctx context.Context, from, to time.Time) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs j
		INNER JOIN olts o ON o.id = j.olt_id
		WHERE j.enabled = 1 AND o.enabled = 1 AND j.parent_job_id IS NULL
		  AND j.next_run_at >= ? AND j.next_run_at < ?
		ORDER BY j.next_run_at ASC, j.operation_type ASC, j.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list upcoming jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// UpdateNextRunAt rewrites a job's next run time. Scheduler-only write.
func (s *JobStore) UpdateNextRunAt(ctx context.Context, jobID string, ts time.Time) error {
	query := `
		UPDATE jobs
		SET next_run_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		ts.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to update next_run_at for job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", jobID)
	}

	return nil
}

// GetChain returns the chain jobs attached to a master, ordered by chain
// position.
func (s *JobStore) GetChain(ctx context.Context, parentJobID string) ([]*Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs j
		WHERE j.parent_job_id = ?
		ORDER BY j.chain_position ASC, j.id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, parentJobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get chain for job %s", parentJobID)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// List returns all jobs, newest first. Serves the CLI and the jobs API.
func (s *JobStore) List(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs j ORDER BY j.created_at DESC LIMIT 1000`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// SetEnabled flips a job's enabled flag.
func (s *JobStore) SetEnabled(ctx context.Context, jobID string, enabled bool) error {
	query := `
		UPDATE jobs
		SET enabled = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, enabled,
		time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to set enabled for job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", jobID)
	}

	return nil
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var opType, nextRunAt, createdAt, updatedAt string
	var maxRetries, retryDelay sql.NullInt64
	var parentJobID sql.NullString

	err := row.Scan(
		&job.ID,
		&job.OLTID,
		&opType,
		&job.Enabled,
		&job.IntervalSeconds,
		&nextRunAt,
		&maxRetries,
		&retryDelay,
		&job.OID,
		&job.QueueHint,
		&parentJobID,
		&job.ChainPosition,
		&job.ParallelOk,
		&job.RunChainOnFailure,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.OperationType = OperationType(opType)

	job.NextRunAt, err = time.Parse(time.RFC3339, nextRunAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for job %s", job.ID)
	}
	job.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}

	if maxRetries.Valid {
		v := int(maxRetries.Int64)
		job.MaxRetries = &v
	}
	if retryDelay.Valid {
		v := int(retryDelay.Int64)
		job.RetryDelaySeconds = &v
	}
	if parentJobID.Valid {
		job.ParentJobID = &parentJobID.String
	}

	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}
