package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var jobColumns = []string{
	"id", "input_path", "qualities", "status", "priority", "attempts", "max_attempts",
	"settings", "error", "note", "progress", "created_at", "updated_at", "available_at",
	"started_at", "completed_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                               Job
		status, qualities, settings       string
		createdAt, updatedAt, availableAt int64
		startedAt, completedAt            sql.NullInt64
	)
	err := row.Scan(
		&job.ID, &job.InputPath, &qualities, &status, &job.Priority, &job.Attempts,
		&job.MaxAttempts, &settings, &job.Error, &job.Note, &job.Progress,
		&createdAt, &updatedAt, &availableAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = JobStatus(status)
	job.Qualities = decodeQualities(qualities)
	job.Settings = decodeSettings(settings)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.AvailableAt = fromMillis(availableAt)
	if startedAt.Valid {
		job.StartedAt = fromNullMillis(&startedAt.Int64)
	}
	if completedAt.Valid {
		job.CompletedAt = fromNullMillis(&completedAt.Int64)
	}
	return &job, nil
}

func jobValues(job *Job) map[string]any {
	return map[string]any{
		"qualities":    encodeQualities(job.Qualities),
		"status":       string(job.Status),
		"priority":     job.Priority,
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"settings":     encodeSettings(job.Settings),
		"error":        job.Error,
		"note":         job.Note,
		"progress":     job.Progress,
		"updated_at":   toMillis(job.UpdatedAt),
		"available_at": toMillis(job.AvailableAt),
		"started_at":   toNullMillis(job.StartedAt),
		"completed_at": toNullMillis(job.CompletedAt),
	}
}

// CreateJob inserts a new job row.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) (err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "create_job", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}

	values := jobValues(job)
	values["id"] = job.ID
	values["input_path"] = job.InputPath
	values["created_at"] = toMillis(job.CreatedAt)

	sqlStr, args, err := s.sq.Insert("jobs").SetMap(values).ToSql()
	if err != nil {
		return err
	}
	if _, err = s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "get_job", start, err) }()

	return s.queryOneJob(ctx, s.sq.Select(jobColumns...).From("jobs").Where(sq.Eq{"id": id}))
}

// FindActiveJobByPath returns the non-terminal job for inputPath, if any.
func (s *SQLiteStore) FindActiveJobByPath(ctx context.Context, inputPath string) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "find_active_job", start, err) }()

	return s.queryOneJob(ctx, s.sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"input_path": inputPath, "status": statusStrings(ActiveStatuses)}).
		Limit(1))
}

func (s *SQLiteStore) queryOneJob(ctx context.Context, q sq.SelectBuilder) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// UpdateJob writes the job's mutable columns, optionally guarded by the
// expected current status.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *Job, from ...JobStatus) (err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "update_job", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	job.UpdatedAt = time.Now()
	q := s.sq.Update("jobs").SetMap(jobValues(job)).Where(sq.Eq{"id": job.ID})
	if len(from) > 0 {
		q = q.Where(sq.Eq{"status": statusStrings(from)})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("update job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) > 0 FROM jobs WHERE id = ?", job.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// ListJobs returns jobs matching filter.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) (jobs []*Job, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "list_jobs", start, err) }()

	q := s.sq.Select(jobColumns...).From("jobs")
	if len(filter.Statuses) > 0 {
		q = q.Where(sq.Eq{"status": statusStrings(filter.Statuses)})
	}
	if filter.InputPath != "" {
		q = q.Where(sq.Eq{"input_path": filter.InputPath})
	}
	if filter.Newest {
		q = q.OrderBy("created_at DESC", "seq DESC")
	} else {
		q = q.OrderBy("priority DESC", "seq ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns the number of jobs per status.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (counts map[JobStatus]int, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "count_jobs", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts = make(map[JobStatus]int, len(AllStatuses))
	for rows.Next() {
		var status string
		var n int
		if err = rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// NextQueuedJob returns the next job to dispatch.
func (s *SQLiteStore) NextQueuedJob(ctx context.Context, now time.Time) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "next_queued_job", start, err) }()

	return s.queryOneJob(ctx, s.sq.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"status": string(StatusQueued)}).
		Where(sq.LtOrEq{"available_at": toMillis(now)}).
		OrderBy("priority DESC", "seq ASC").
		Limit(1))
}

// NextAvailableAt returns the earliest available time of any queued job.
func (s *SQLiteStore) NextAvailableAt(ctx context.Context) (at time.Time, ok bool, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "next_available_at", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var ms sql.NullInt64
	err = s.db.QueryRowContext(ctx, "SELECT MIN(available_at) FROM jobs WHERE status = ?", string(StatusQueued)).Scan(&ms)
	if err != nil || !ms.Valid {
		return time.Time{}, false, err
	}
	return fromMillis(ms.Int64), true, nil
}

// DeleteJobsWithoutResults removes matching jobs that no result references.
func (s *SQLiteStore) DeleteJobsWithoutResults(ctx context.Context, statuses []JobStatus, before time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "delete_jobs_without_results", start, err) }()

	if len(statuses) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cond := sq.And{
		sq.Eq{"status": statusStrings(statuses)},
		sq.Expr("NOT EXISTS (SELECT 1 FROM results WHERE results.job_id = jobs.id)"),
	}
	if !before.IsZero() {
		cond = append(cond, sq.Lt{"updated_at": toMillis(before)})
	}

	sqlStr, args, err := s.sq.Delete("jobs").Where(cond).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteJobs removes matching jobs and their results.
func (s *SQLiteStore) DeleteJobs(ctx context.Context, statuses []JobStatus, before time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "delete_jobs", start, err) }()

	if len(statuses) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cond := sq.And{sq.Eq{"status": statusStrings(statuses)}}
	if !before.IsZero() {
		cond = append(cond, sq.Lt{"updated_at": toMillis(before)})
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		idQuery, idArgs, err := s.sq.Select("id").From("jobs").Where(cond).ToSql()
		if err != nil {
			return err
		}
		// #nosec G202 -- idQuery is generated by the query builder with bound args
		if _, err := tx.ExecContext(ctx, "DELETE FROM results WHERE job_id IN ("+idQuery+")", idArgs...); err != nil {
			return fmt.Errorf("delete results: %w", err)
		}

		sqlStr, args, err := s.sq.Delete("jobs").Where(cond).ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// RequeueInterrupted returns jobs left running by a previous process to the queue.
func (s *SQLiteStore) RequeueInterrupted(ctx context.Context) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "requeue_interrupted", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	now := toMillis(time.Now())
	sqlStr, args, err := s.sq.Update("jobs").
		Set("status", string(StatusQueued)).
		Set("progress", 0).
		Set("updated_at", now).
		Set("available_at", now).
		Where(sq.Eq{"status": statusStrings(RunningStatuses)}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
