package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	_ "modernc.org/sqlite"
)

// Fixed width so that created_at sorts lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                     TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	current_stage          TEXT,
	stage_progress         INTEGER NOT NULL DEFAULT 0,
	stage_started_at       TEXT,
	stage_durations        TEXT NOT NULL DEFAULT '{}',
	original_filename      TEXT NOT NULL,
	pdf_path               TEXT NOT NULL DEFAULT '',
	timeline_path          TEXT NOT NULL DEFAULT '',
	audio_path             TEXT NOT NULL DEFAULT '',
	video_path             TEXT NOT NULL DEFAULT '',
	video_duration_seconds REAL,
	slide_count            INTEGER,
	error_message          TEXT NOT NULL DEFAULT '',
	error_stage            TEXT,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	cancel_requested       INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL,
	completed_at           TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at);
`

// SQLiteJobRepository is the single-node default backend.
type SQLiteJobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteJobRepository(ctx context.Context, path string) (*SQLiteJobRepository, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single writer connection keeps conditional updates serialized
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteJobRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *SQLiteJobRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteJobRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteJobRepository) Create(ctx context.Context, job *domain.Job) error {
	durations, err := encodeDurations(job.StageDurations)
	if err != nil {
		return err
	}

	var currentStage, errorStage *string
	if job.CurrentStage != nil {
		currentStage = nullableStage(*job.CurrentStage)
	}
	if job.ErrorStage != nil {
		errorStage = nullableStage(*job.ErrorStage)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		job.ID,
		string(job.Status),
		currentStage,
		job.StageProgress,
		formatNullableTime(job.StageStartedAt),
		string(durations),
		job.OriginalFilename,
		job.PDFPath,
		job.TimelinePath,
		job.AudioPath,
		job.VideoPath,
		job.VideoDurationSeconds,
		job.SlideCount,
		job.ErrorMessage,
		errorStage,
		job.RetryCount,
		job.CancelRequested,
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		formatNullableTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *SQLiteJobRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	filter = filter.Normalize()

	where := ""
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0, filter.PageSize)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (r *SQLiteJobRepository) Delete(ctx context.Context, jobID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *SQLiteJobRepository) MarkProcessing(ctx context.Context, jobID string, stage domain.Stage, progress int) error {
	now := formatTime(r.now())
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing',
			current_stage = ?,
			stage_progress = ?,
			stage_started_at = CASE WHEN ? = 0 THEN ? ELSE stage_started_at END,
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
	`, string(stage), progress, progress, now, now, jobID)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return r.conditional(ctx, result, jobID)
}

func (r *SQLiteJobRepository) RecordStageDuration(ctx context.Context, jobID string, stage domain.Stage, seconds float64) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage_durations = json_set(stage_durations, '$.' || ?, ?),
			updated_at = ?
		WHERE id = ?
	`, string(stage), seconds, formatTime(r.now()), jobID)
	if err != nil {
		return fmt.Errorf("record stage duration: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) SetArtifacts(ctx context.Context, jobID string, update domain.ArtifactUpdate) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET timeline_path = COALESCE(?, timeline_path),
			slide_count = COALESCE(?, slide_count),
			audio_path = COALESCE(?, audio_path),
			video_path = COALESCE(?, video_path),
			video_duration_seconds = COALESCE(?, video_duration_seconds),
			updated_at = ?
		WHERE id = ?
	`,
		update.TimelinePath,
		update.SlideCount,
		update.AudioPath,
		update.VideoPath,
		update.VideoDurationSeconds,
		formatTime(r.now()),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set artifacts: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	now := formatTime(r.now())
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
			current_stage = NULL,
			stage_progress = 100,
			cancel_requested = 0,
			completed_at = ?,
			updated_at = ?
		WHERE id = ?
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) MarkFailed(ctx context.Context, jobID, message string, stage domain.Stage) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed',
			error_message = ?,
			error_stage = COALESCE(?, current_stage),
			current_stage = NULL,
			cancel_requested = 0,
			updated_at = ?
		WHERE id = ?
	`, message, nullableStage(stage), formatTime(r.now()), jobID)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) MarkCancelled(ctx context.Context, jobID string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
			cancel_requested = 0,
			current_stage = NULL,
			updated_at = ?
		WHERE id = ?
	`, formatTime(r.now()), jobID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return requireRow(result)
}

func (r *SQLiteJobRepository) RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
			cancel_requested = CASE WHEN status = 'processing' THEN 1 ELSE 0 END,
			current_stage = CASE WHEN status = 'pending' THEN NULL ELSE current_stage END,
			updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')
		RETURNING status
	`, formatTime(r.now()), jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", explainMiss(ctx, r, jobID)
		}
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return domain.JobStatus(status), nil
}

func (r *SQLiteJobRepository) ResetForRetry(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'pending',
			current_stage = NULL,
			stage_progress = 0,
			stage_started_at = NULL,
			error_message = '',
			error_stage = NULL,
			cancel_requested = 0,
			retry_count = retry_count + 1,
			updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING `+jobColumns,
		formatTime(r.now()), jobID,
	)
	return r.scanReset(ctx, row, jobID, "reset for retry")
}

func (r *SQLiteJobRepository) ResetForResume(ctx context.Context, jobID string, stage domain.Stage) (*domain.Job, error) {
	now := formatTime(r.now())
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing',
			current_stage = ?,
			stage_progress = 0,
			stage_started_at = ?,
			error_message = '',
			error_stage = NULL,
			cancel_requested = 0,
			retry_count = retry_count + 1,
			updated_at = ?
		WHERE id = ? AND status = 'failed'
		RETURNING `+jobColumns,
		string(stage), now, now, jobID,
	)
	return r.scanReset(ctx, row, jobID, "reset for resume")
}

func (r *SQLiteJobRepository) scanReset(ctx context.Context, row *sql.Row, jobID, operation string) (*domain.Job, error) {
	job, err := scanSQLiteJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, explainMiss(ctx, r, jobID)
		}
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return job, nil
}

func (r *SQLiteJobRepository) conditional(ctx context.Context, result sql.Result, jobID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return explainMiss(ctx, r, jobID)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job             domain.Job
		status          string
		currentStage    *string
		errorStage      *string
		stageStartedAt  *string
		completedAt     *string
		durations       string
		cancelRequested int64
		createdAt       string
		updatedAt       string
	)

	err := row.Scan(
		&job.ID,
		&status,
		&currentStage,
		&job.StageProgress,
		&stageStartedAt,
		&durations,
		&job.OriginalFilename,
		&job.PDFPath,
		&job.TimelinePath,
		&job.AudioPath,
		&job.VideoPath,
		&job.VideoDurationSeconds,
		&job.SlideCount,
		&job.ErrorMessage,
		&errorStage,
		&job.RetryCount,
		&cancelRequested,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.CurrentStage = stageFromNullable(currentStage)
	job.ErrorStage = stageFromNullable(errorStage)
	job.CancelRequested = cancelRequested != 0
	if job.StageDurations, err = decodeDurations([]byte(durations)); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if job.StageStartedAt, err = parseNullableTime(stageStartedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func formatTime(value time.Time) string {
	return value.UTC().Format(sqliteTimeLayout)
}

func formatNullableTime(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := formatTime(*value)
	return &formatted
}

func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return parsed, nil
}

func parseNullableTime(value *string) (*time.Time, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := parseTime(*value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
