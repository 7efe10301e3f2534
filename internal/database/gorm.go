package database

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"media-optimizer/internal/logging"
)

// jobPO is the persisted form of a Job. ActiveKey carries a hash of the
// input path while the job is active and is NULL once terminal, so the
// unique index admits one active job per path.
type jobPO struct {
	Seq         uint64  `gorm:"column:seq;primaryKey;autoIncrement"`
	UUID        string  `gorm:"column:id;type:varchar(36);uniqueIndex;not null"`
	InputPath   string  `gorm:"column:input_path;type:varchar(2048);not null"`
	ActiveKey   *string `gorm:"column:active_key;type:varchar(64);uniqueIndex"`
	Qualities   string  `gorm:"column:qualities;type:text"`
	Status      string  `gorm:"column:status;type:varchar(16);not null;index:idx_transcode_jobs_dispatch,priority:1"`
	Priority    int     `gorm:"column:priority;type:int;index:idx_transcode_jobs_dispatch,priority:2"`
	Attempts    int     `gorm:"column:attempts;type:int"`
	MaxAttempts int     `gorm:"column:max_attempts;type:int"`
	Settings    string  `gorm:"column:settings;type:text"`
	Error       string  `gorm:"column:error;type:text"`
	Note        string  `gorm:"column:note;type:text"`
	Progress    float64 `gorm:"column:progress"`
	CreatedMs   int64   `gorm:"column:created_at;not null"`
	UpdatedMs   int64   `gorm:"column:updated_at;index"`
	AvailableMs int64   `gorm:"column:available_at"`
	StartedMs   *int64  `gorm:"column:started_at"`
	CompletedMs *int64  `gorm:"column:completed_at"`
}

func (jobPO) TableName() string { return "transcode_jobs" }

type resultPO struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	JobID            string  `gorm:"column:job_id;type:varchar(36);index;not null"`
	Quality          string  `gorm:"column:quality;type:varchar(16);not null"`
	OriginalPath     string  `gorm:"column:original_path;type:varchar(2048);not null"`
	OutputPath       string  `gorm:"column:output_path;type:varchar(2048);not null"`
	OriginalSize     int64   `gorm:"column:original_size"`
	OutputSize       int64   `gorm:"column:output_size"`
	CompressionRatio float64 `gorm:"column:compression_ratio"`
	Checksum         string  `gorm:"column:checksum;type:varchar(128)"`
	ProcessingMs     int64   `gorm:"column:processing_time_ms"`
	CreatedMs        int64   `gorm:"column:created_at"`
}

func (resultPO) TableName() string { return "transcode_results" }

type analyticsPO struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	MetricName string `gorm:"column:metric_name;type:varchar(64);index;not null"`
	Value      string `gorm:"column:metric_value;type:text"`
	ExpiresMs  int64  `gorm:"column:expires_at"`
	CreatedMs  int64  `gorm:"column:created_at;index"`
}

func (analyticsPO) TableName() string { return "storage_analytics" }

type metadataPO struct {
	Key   string `gorm:"column:meta_key;type:varchar(191);primaryKey"`
	Value string `gorm:"column:meta_value;type:text"`
}

func (metadataPO) TableName() string { return "service_metadata" }

// GormStore is the gorm-backed Store used for MySQL.
type GormStore struct {
	db      *gorm.DB
	backend string
}

// NewMySQL connects to MySQL with dsn and migrates the schema.
func NewMySQL(ctx context.Context, dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("mysql dsn is empty")
	}
	return newGormStore(ctx, mysql.Open(dsn), BackendMySQL)
}

// gormWriter routes gorm's logger through the service logger.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	logging.Warn(format, args...)
}

func newGormStore(ctx context.Context, dialector gorm.Dialector, backend string) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&jobPO{}, &resultPO{}, &analyticsPO{}, &metadataPO{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database schema: %w", err)
	}

	logging.Info("Database initialized successfully (%s backend)", backend)
	return &GormStore{db: db, backend: backend}, nil
}

// Backend implements Store.
func (s *GormStore) Backend() string { return s.backend }

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func activeKey(inputPath string, status JobStatus) *string {
	if !status.IsActive() {
		return nil
	}
	sum := blake2b.Sum256([]byte(inputPath))
	key := hex.EncodeToString(sum[:])
	return &key
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err)
}

func toJobPO(job *Job) *jobPO {
	return &jobPO{
		UUID:        job.ID,
		InputPath:   job.InputPath,
		ActiveKey:   activeKey(job.InputPath, job.Status),
		Qualities:   encodeQualities(job.Qualities),
		Status:      string(job.Status),
		Priority:    job.Priority,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Settings:    encodeSettings(job.Settings),
		Error:       job.Error,
		Note:        job.Note,
		Progress:    job.Progress,
		CreatedMs:   toMillis(job.CreatedAt),
		UpdatedMs:   toMillis(job.UpdatedAt),
		AvailableMs: toMillis(job.AvailableAt),
		StartedMs:   toNullMillis(job.StartedAt),
		CompletedMs: toNullMillis(job.CompletedAt),
	}
}

func (po *jobPO) toJob() *Job {
	return &Job{
		ID:          po.UUID,
		InputPath:   po.InputPath,
		Qualities:   decodeQualities(po.Qualities),
		Status:      JobStatus(po.Status),
		Priority:    po.Priority,
		Attempts:    po.Attempts,
		MaxAttempts: po.MaxAttempts,
		Settings:    decodeSettings(po.Settings),
		Error:       po.Error,
		Note:        po.Note,
		Progress:    po.Progress,
		CreatedAt:   fromMillis(po.CreatedMs),
		UpdatedAt:   fromMillis(po.UpdatedMs),
		AvailableAt: fromMillis(po.AvailableMs),
		StartedAt:   fromNullMillis(po.StartedMs),
		CompletedAt: fromNullMillis(po.CompletedMs),
	}
}

func (s *GormStore) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	return s.db.WithContext(ctx), cancel
}

// CreateJob inserts a new job row.
func (s *GormStore) CreateJob(ctx context.Context, job *Job) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "create_job", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.AvailableAt.IsZero() {
		job.AvailableAt = job.CreatedAt
	}

	if err = db.Create(toJobPO(job)).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *GormStore) firstJob(db *gorm.DB) (*Job, error) {
	var po jobPO
	err := db.Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return po.toJob(), nil
}

// GetJob returns the job with the given id.
func (s *GormStore) GetJob(ctx context.Context, id string) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "get_job", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()
	return s.firstJob(db.Where("id = ?", id))
}

// FindActiveJobByPath returns the non-terminal job for inputPath, if any.
func (s *GormStore) FindActiveJobByPath(ctx context.Context, inputPath string) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "find_active_job", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()
	return s.firstJob(db.Where("active_key = ?", *activeKey(inputPath, StatusQueued)))
}

// UpdateJob writes the job's mutable columns, optionally guarded by the
// expected current status.
func (s *GormStore) UpdateJob(ctx context.Context, job *Job, from ...JobStatus) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "update_job", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	job.UpdatedAt = time.Now()
	values := jobValues(job)
	values["active_key"] = activeKey(job.InputPath, job.Status)

	scope := func() *gorm.DB {
		q := db.Model(&jobPO{}).Where("id = ?", job.ID)
		if len(from) > 0 {
			q = q.Where("status IN ?", statusStrings(from))
		}
		return q
	}

	res := scope().Updates(values)
	if res.Error != nil {
		if isDuplicateKey(res.Error) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// MySQL reports zero affected rows when nothing changed, so recheck the
	// guard before deciding between conflict and not-found.
	var matched int64
	if err = scope().Count(&matched).Error; err != nil {
		return err
	}
	if matched > 0 {
		return nil
	}
	var exists int64
	if err = db.Model(&jobPO{}).Where("id = ?", job.ID).Count(&exists).Error; err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// ListJobs returns jobs matching filter.
func (s *GormStore) ListJobs(ctx context.Context, filter JobFilter) (jobs []*Job, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "list_jobs", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	q := db.Model(&jobPO{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if filter.InputPath != "" {
		q = q.Where("input_path = ?", filter.InputPath)
	}
	if filter.Newest {
		q = q.Order("created_at DESC").Order("seq DESC")
	} else {
		q = q.Order("priority DESC").Order("seq ASC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var pos []*jobPO
	if err = q.Find(&pos).Error; err != nil {
		return nil, err
	}
	jobs = make([]*Job, 0, len(pos))
	for _, po := range pos {
		jobs = append(jobs, po.toJob())
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs per status.
func (s *GormStore) CountJobsByStatus(ctx context.Context) (counts map[JobStatus]int, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "count_jobs", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	var rows []struct {
		Status string
		Total  int
	}
	if err = db.Model(&jobPO{}).Select("status, COUNT(*) AS total").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts = make(map[JobStatus]int, len(AllStatuses))
	for _, r := range rows {
		counts[JobStatus(r.Status)] = r.Total
	}
	return counts, nil
}

// NextQueuedJob returns the next job to dispatch.
func (s *GormStore) NextQueuedJob(ctx context.Context, now time.Time) (job *Job, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "next_queued_job", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()
	return s.firstJob(db.
		Where("status = ?", string(StatusQueued)).
		Where("available_at <= ?", toMillis(now)).
		Order("priority DESC").Order("seq ASC"))
}

// NextAvailableAt returns the earliest available time of any queued job.
func (s *GormStore) NextAvailableAt(ctx context.Context) (at time.Time, ok bool, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "next_available_at", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	var ms sql.NullInt64
	err = db.Model(&jobPO{}).
		Select("MIN(available_at)").
		Where("status = ?", string(StatusQueued)).
		Row().Scan(&ms)
	if err != nil || !ms.Valid {
		return time.Time{}, false, err
	}
	return fromMillis(ms.Int64), true, nil
}

// DeleteJobs removes matching jobs and their results.
func (s *GormStore) DeleteJobs(ctx context.Context, statuses []JobStatus, before time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "delete_jobs", start, err) }()

	if len(statuses) == 0 {
		return 0, nil
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	err = db.Transaction(func(tx *gorm.DB) error {
		match := func() *gorm.DB {
			q := tx.Model(&jobPO{}).Where("status IN ?", statusStrings(statuses))
			if !before.IsZero() {
				q = q.Where("updated_at < ?", toMillis(before))
			}
			return q
		}

		var ids []string
		if err := match().Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&resultPO{}).Error; err != nil {
			return fmt.Errorf("delete results: %w", err)
		}
		res := tx.Where("id IN ?", ids).Delete(&jobPO{})
		if res.Error != nil {
			return fmt.Errorf("delete jobs: %w", res.Error)
		}
		deleted = res.RowsAffected
		return nil
	})
	return deleted, err
}

// DeleteJobsWithoutResults removes matching jobs that no result references.
func (s *GormStore) DeleteJobsWithoutResults(ctx context.Context, statuses []JobStatus, before time.Time) (deleted int64, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "delete_jobs_without_results", start, err) }()

	if len(statuses) == 0 {
		return 0, nil
	}

	db, cancel := s.conn(ctx)
	defer cancel()

	q := db.Where("status IN ?", statusStrings(statuses)).
		Where("NOT EXISTS (SELECT 1 FROM transcode_results r WHERE r.job_id = transcode_jobs.id)")
	if !before.IsZero() {
		q = q.Where("updated_at < ?", toMillis(before))
	}
	res := q.Delete(&jobPO{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RequeueInterrupted returns jobs left running by a previous process to the queue.
func (s *GormStore) RequeueInterrupted(ctx context.Context) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "requeue_interrupted", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	now := toMillis(time.Now())
	res := db.Model(&jobPO{}).
		Where("status IN ?", statusStrings(RunningStatuses)).
		Updates(map[string]any{
			"status":       string(StatusQueued),
			"progress":     0,
			"updated_at":   now,
			"available_at": now,
		})
	return res.RowsAffected, res.Error
}

// CreateResult inserts a result row and sets its ID.
func (s *GormStore) CreateResult(ctx context.Context, r *Result) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "create_result", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	po := &resultPO{
		JobID:            r.JobID,
		Quality:          r.Quality,
		OriginalPath:     r.OriginalPath,
		OutputPath:       r.OutputPath,
		OriginalSize:     r.OriginalSize,
		OutputSize:       r.OutputSize,
		CompressionRatio: r.CompressionRatio,
		Checksum:         r.Checksum,
		ProcessingMs:     r.ProcessingTime.Milliseconds(),
		CreatedMs:        toMillis(r.CreatedAt),
	}
	if err = db.Create(po).Error; err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	r.ID = po.ID
	return nil
}

// ListResults returns results matching filter, oldest first.
func (s *GormStore) ListResults(ctx context.Context, filter ResultFilter) (results []*Result, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "list_results", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	q := db.Model(&resultPO{}).Order("id ASC")
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	if filter.OriginalPath != "" {
		q = q.Where("original_path = ?", filter.OriginalPath)
	}
	if filter.Quality != "" {
		q = q.Where("quality = ?", filter.Quality)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var pos []resultPO
	if err = q.Find(&pos).Error; err != nil {
		return nil, err
	}
	results = make([]*Result, 0, len(pos))
	for _, po := range pos {
		results = append(results, &Result{
			ID:               po.ID,
			JobID:            po.JobID,
			Quality:          po.Quality,
			OriginalPath:     po.OriginalPath,
			OutputPath:       po.OutputPath,
			OriginalSize:     po.OriginalSize,
			OutputSize:       po.OutputSize,
			CompressionRatio: po.CompressionRatio,
			Checksum:         po.Checksum,
			ProcessingTime:   time.Duration(po.ProcessingMs) * time.Millisecond,
			CreatedAt:        fromMillis(po.CreatedMs),
		})
	}
	return results, nil
}

// DeleteResult removes one result row.
func (s *GormStore) DeleteResult(ctx context.Context, id int64) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "delete_result", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	res := db.Delete(&resultPO{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompressionStats aggregates results per quality.
func (s *GormStore) CompressionStats(ctx context.Context) (stats *CompressionStats, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "compression_stats", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	var rows []struct {
		Quality       string
		Total         int
		OriginalBytes int64
		OutputBytes   int64
		AvgRatio      float64
		AvgMs         float64
	}
	err = db.Model(&resultPO{}).
		Select("quality, COUNT(*) AS total, SUM(original_size) AS original_bytes, " +
			"SUM(output_size) AS output_bytes, AVG(compression_ratio) AS avg_ratio, " +
			"AVG(processing_time_ms) AS avg_ms").
		Group("quality").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats = &CompressionStats{ByQuality: make(map[string]QualityStats, len(rows))}
	for _, r := range rows {
		stats.ByQuality[r.Quality] = QualityStats{
			Count:              r.Total,
			OriginalBytes:      r.OriginalBytes,
			OutputBytes:        r.OutputBytes,
			AverageRatio:       r.AvgRatio,
			AverageProcessTime: time.Duration(r.AvgMs * float64(time.Millisecond)),
		}
	}
	stats.finish()
	return stats, nil
}

// SaveAnalytics appends an analytics snapshot row.
func (s *GormStore) SaveAnalytics(ctx context.Context, rec *AnalyticsRecord) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "save_analytics", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	po := &analyticsPO{
		MetricName: rec.MetricName,
		Value:      string(rec.Value),
		ExpiresMs:  toMillis(rec.ExpiresAt),
		CreatedMs:  toMillis(rec.CreatedAt),
	}
	if err = db.Create(po).Error; err != nil {
		return fmt.Errorf("insert analytics: %w", err)
	}
	rec.ID = po.ID
	return nil
}

// LatestAnalytics returns the newest snapshot for name.
func (s *GormStore) LatestAnalytics(ctx context.Context, name string) (rec *AnalyticsRecord, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "latest_analytics", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	var po analyticsPO
	err = db.Where("metric_name = ?", name).Order("id DESC").Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &AnalyticsRecord{
		ID:         po.ID,
		MetricName: po.MetricName,
		Value:      []byte(po.Value),
		ExpiresAt:  fromMillis(po.ExpiresMs),
		CreatedAt:  fromMillis(po.CreatedMs),
	}, nil
}

// DeleteAnalyticsBefore prunes snapshots created before cutoff.
func (s *GormStore) DeleteAnalyticsBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "delete_analytics", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	res := db.Where("created_at < ?", toMillis(cutoff)).Delete(&analyticsPO{})
	return res.RowsAffected, res.Error
}

// GetMetadata retrieves a metadata value by key.
func (s *GormStore) GetMetadata(ctx context.Context, key string) (value string, err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "get_metadata", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	var po metadataPO
	err = db.Where("meta_key = ?", key).Take(&po).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return po.Value, nil
}

// SetMetadata sets a metadata key-value pair.
func (s *GormStore) SetMetadata(ctx context.Context, key, value string) (err error) {
	start := time.Now()
	defer func() { recordQuery(s.backend, "set_metadata", start, err) }()

	db, cancel := s.conn(ctx)
	defer cancel()

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value"}),
	}).Create(&metadataPO{Key: key, Value: value}).Error
}
