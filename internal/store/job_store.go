package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, task_id, name, polygon, priority, status,
	current_type, current_page, progress, result_file, created_at, updated_at`

// JobStore provides database operations for jobs using the shared connection
// pool.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a JobStore backed by pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func scanJobRow(row pgx.Row) (Job, error) {
	var j Job
	var progress []byte
	err := row.Scan(
		&j.ID, &j.TaskID, &j.Name, &j.Polygon, &j.Priority, &j.Status,
		&j.CurrentType, &j.CurrentPage, &progress, &j.ResultFile, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return Job{}, fmt.Errorf("unmarshaling progress for job %d: %w", j.ID, err)
		}
	}
	return j, nil
}

func scanJobRows(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var items []Job
	for rows.Next() {
		j, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		items = append(items, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return items, nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, id int64) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJobRow(row)
}

// GetByTaskID returns a job by its external task id.
func (s *JobStore) GetByTaskID(ctx context.Context, taskID string) (Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = $1`, taskID)
	return scanJobRow(row)
}

// Create inserts a new job in StatusWaiting.
func (s *JobStore) Create(ctx context.Context, taskID, name, polygon string, priority int) (Job, error) {
	query := `INSERT INTO jobs (task_id, name, polygon, priority, status, current_page, progress, result_file, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, '{}'::jsonb, $6, now(), now())
		RETURNING ` + jobColumns
	row := s.pool.QueryRow(ctx, query, taskID, name, polygon, priority, StatusWaiting, ResultFileFor(taskID))
	return scanJobRow(row)
}

// CountActiveSince returns the number of jobs in StatusRunning whose
// updated_at is after since — the scheduler's "active set" (spec.md §4.7
// step 2).
func (s *JobStore) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = $1 AND updated_at > $2`,
		StatusRunning, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active jobs: %w", err)
	}
	return count, nil
}

// ListWaitingOrStalled returns jobs eligible for (re)admission: those in
// StatusWaiting, plus StatusRunning jobs whose updated_at predates the stall
// boundary (spec.md §4.7 "reclaim stalled jobs").
func (s *JobStore) ListWaitingOrStalled(ctx context.Context, stallBoundary time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 OR (status = $2 AND updated_at <= $3)
		 ORDER BY priority ASC, id ASC`,
		StatusWaiting, StatusRunning, stallBoundary,
	)
	if err != nil {
		return nil, fmt.Errorf("listing waiting/stalled jobs: %w", err)
	}
	return scanJobRows(rows)
}

// ListResumable returns jobs in {pending, stash}, plus stalled StatusRunning
// jobs, ordered by priority ascending then id ascending — the candidate set
// for ResumeTasks (spec.md §4.7 "move up to limit jobs in {pending, stash}
// or stalled running to waiting").
func (s *JobStore) ListResumable(ctx context.Context, stallBoundary time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ANY($1) OR (status = $2 AND updated_at < $3)
		 ORDER BY priority ASC, id ASC`,
		[]Status{StatusPending, StatusStash}, StatusRunning, stallBoundary,
	)
	if err != nil {
		return nil, fmt.Errorf("listing resumable jobs: %w", err)
	}
	return scanJobRows(rows)
}

// UpdateJobStatusIf transitions a job to newStatus only if its current
// status is one of expectedFrom, returning false without error if the
// precondition failed (spec.md §4.7 "compare-and-swap transition").
func (s *JobStore) UpdateJobStatusIf(ctx context.Context, id int64, expectedFrom []Status, newStatus Status) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1 AND status = ANY($3)`,
		id, newStatus, expectedFrom,
	)
	if err != nil {
		return false, fmt.Errorf("updating status of job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat bumps updated_at without changing status, used by a running job
// to signal it is still making progress (spec.md §4.7 stall detection).
func (s *JobStore) Heartbeat(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeating job %d: %w", id, err)
	}
	return nil
}

// SaveProgress persists the current crawl cursor (current_type, current_page)
// and the per-category progress map in one statement (spec.md §4.6 resume
// state).
func (s *JobStore) SaveProgress(ctx context.Context, id int64, currentType *string, currentPage int, progress map[string]CategoryProgress) error {
	encoded, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshaling progress for job %d: %w", id, err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE jobs SET current_type = $2, current_page = $3, progress = $4, updated_at = now() WHERE id = $1`,
		id, currentType, currentPage, encoded,
	)
	if err != nil {
		return fmt.Errorf("saving progress for job %d: %w", id, err)
	}
	return nil
}

// SetStatus forces a job's status unconditionally and touches updated_at.
// Used both for terminal transitions (completed, failed) and for the crawl
// engine's unconditional "set status = running" at the top of Execute
// (spec.md §4.6 step 2).
func (s *JobStore) SetStatus(ctx context.Context, id int64, status Status) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("setting status of job %d: %w", id, err)
	}
	return nil
}

// ListIncomplete returns every job whose status is not completed, ordered
// by id ascending (spec.md §6 "`incomplete` sorts by `id ASC`").
func (s *JobStore) ListIncomplete(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status != $1 ORDER BY id ASC`,
		StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete jobs: %w", err)
	}
	return scanJobRows(rows)
}

// ListCompleted returns every completed job, ordered by id descending
// (spec.md §6 "`completed` by `id DESC`").
func (s *JobStore) ListCompleted(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY id DESC`,
		StatusCompleted,
	)
	if err != nil {
		return nil, fmt.Errorf("listing completed jobs: %w", err)
	}
	return scanJobRows(rows)
}

// ListCompletedBetween returns completed jobs whose updated_at falls within
// [start, end) — the backing query for "completed by date" (spec.md §6).
func (s *JobStore) ListCompletedBetween(ctx context.Context, start, end time.Time) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND updated_at >= $2 AND updated_at < $3 ORDER BY id ASC`,
		StatusCompleted, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("listing completed jobs by date: %w", err)
	}
	return scanJobRows(rows)
}

// UpdatePriority sets a job's priority unconditionally.
func (s *JobStore) UpdatePriority(ctx context.Context, id int64, priority int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET priority = $2, updated_at = now() WHERE id = $1`, id, priority)
	if err != nil {
		return false, fmt.Errorf("updating priority of job %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns every job ordered by id, for the control API's list endpoint.
func (s *JobStore) List(ctx context.Context) ([]Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return scanJobRows(rows)
}
