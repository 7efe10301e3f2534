package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var resultColumns = []string{
	"id", "job_id", "quality", "original_path", "output_path", "original_size",
	"output_size", "compression_ratio", "checksum", "processing_time_ms", "created_at",
}

// CreateResult inserts a result row and sets its ID.
func (s *SQLiteStore) CreateResult(ctx context.Context, r *Result) (err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "create_result", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	sqlStr, args, err := s.sq.Insert("results").
		Columns(resultColumns[1:]...).
		Values(r.JobID, r.Quality, r.OriginalPath, r.OutputPath, r.OriginalSize,
			r.OutputSize, r.CompressionRatio, r.Checksum, r.ProcessingTime.Milliseconds(),
			toMillis(r.CreatedAt)).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// ListResults returns results matching filter, oldest first.
func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) (results []*Result, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "list_results", start, err) }()

	q := s.sq.Select(resultColumns...).From("results").OrderBy("id ASC")
	if filter.JobID != "" {
		q = q.Where(sq.Eq{"job_id": filter.JobID})
	}
	if filter.OriginalPath != "" {
		q = q.Where(sq.Eq{"original_path": filter.OriginalPath})
	}
	if filter.Quality != "" {
		q = q.Where(sq.Eq{"quality": filter.Quality})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
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
		var r Result
		var processingMs, createdAt int64
		if err = rows.Scan(&r.ID, &r.JobID, &r.Quality, &r.OriginalPath, &r.OutputPath,
			&r.OriginalSize, &r.OutputSize, &r.CompressionRatio, &r.Checksum,
			&processingMs, &createdAt); err != nil {
			return nil, err
		}
		r.ProcessingTime = time.Duration(processingMs) * time.Millisecond
		r.CreatedAt = fromMillis(createdAt)
		results = append(results, &r)
	}
	return results, rows.Err()
}

// DeleteResult removes one result row.
func (s *SQLiteStore) DeleteResult(ctx context.Context, id int64) (err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "delete_result", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM results WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompressionStats aggregates results per quality.
func (s *SQLiteStore) CompressionStats(ctx context.Context) (stats *CompressionStats, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "compression_stats", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT quality, COUNT(*), SUM(original_size), SUM(output_size),
		       AVG(compression_ratio), AVG(processing_time_ms)
		FROM results
		GROUP BY quality
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats = &CompressionStats{ByQuality: make(map[string]QualityStats)}
	for rows.Next() {
		var quality string
		var q QualityStats
		var avgMs float64
		if err = rows.Scan(&quality, &q.Count, &q.OriginalBytes, &q.OutputBytes, &q.AverageRatio, &avgMs); err != nil {
			return nil, err
		}
		q.AverageProcessTime = time.Duration(avgMs * float64(time.Millisecond))
		stats.ByQuality[quality] = q
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	stats.finish()
	return stats, nil
}

// SaveAnalytics appends an analytics snapshot row.
func (s *SQLiteStore) SaveAnalytics(ctx context.Context, rec *AnalyticsRecord) (err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "save_analytics", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	sqlStr, args, err := s.sq.Insert("storage_analytics").
		Columns("metric_name", "metric_value", "expires_at", "created_at").
		Values(rec.MetricName, string(rec.Value), toMillis(rec.ExpiresAt), toMillis(rec.CreatedAt)).
		ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	rec.ID, err = res.LastInsertId()
	return err
}

// LatestAnalytics returns the newest snapshot for name.
func (s *SQLiteStore) LatestAnalytics(ctx context.Context, name string) (rec *AnalyticsRecord, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "latest_analytics", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var r AnalyticsRecord
	var value string
	var expiresAt, createdAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, metric_name, metric_value, expires_at, created_at
		FROM storage_analytics
		WHERE metric_name = ?
		ORDER BY id DESC
		LIMIT 1
	`, name).Scan(&r.ID, &r.MetricName, &value, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Value = []byte(value)
	r.ExpiresAt = fromMillis(expiresAt)
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// DeleteAnalyticsBefore prunes snapshots created before cutoff.
func (s *SQLiteStore) DeleteAnalyticsBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery(BackendSQLite, "delete_analytics", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM storage_analytics WHERE created_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
