package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                     TEXT PRIMARY KEY,
	status                 TEXT NOT NULL,
	current_stage          TEXT,
	stage_progress         INTEGER NOT NULL DEFAULT 0,
	stage_started_at       TIMESTAMPTZ,
	stage_durations        JSONB NOT NULL DEFAULT '{}'::jsonb,
	original_filename      TEXT NOT NULL,
	pdf_path               TEXT NOT NULL DEFAULT '',
	timeline_path          TEXT NOT NULL DEFAULT '',
	audio_path             TEXT NOT NULL DEFAULT '',
	video_path             TEXT NOT NULL DEFAULT '',
	video_duration_seconds DOUBLE PRECISION,
	slide_count            INTEGER,
	error_message          TEXT NOT NULL DEFAULT '',
	error_stage            TEXT,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	cancel_requested       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at             TIMESTAMPTZ NOT NULL,
	updated_at             TIMESTAMPTZ NOT NULL,
	completed_at           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC);
`

type PostgresJobRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobRepository(ctx context.Context, databaseURL string) (*PostgresJobRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply pg schema: %w", err)
	}
	return &PostgresJobRepository{pool: pool}, nil
}

func (r *PostgresJobRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresJobRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresJobRepository) Create(ctx context.Context, job *domain.Job) error {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		job.ID,
		string(job.Status),
		currentStage,
		job.StageProgress,
		job.StageStartedAt,
		durations,
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
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobRepository) List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	filter = filter.Normalize()

	where := ""
	args := make([]any, 0, 3)
	if filter.Status != "" {
		where = " WHERE status = $1"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s FROM jobs%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns,
		where,
		len(args)+1,
		len(args)+2,
	)
	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0, filter.PageSize)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return jobs, total, nil
}

func (r *PostgresJobRepository) Delete(ctx context.Context, jobID string) error {
	command, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (r *PostgresJobRepository) MarkProcessing(ctx context.Context, jobID string, stage domain.Stage, progress int) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'processing',
			current_stage = $2,
			stage_progress = $3,
			stage_started_at = CASE WHEN $3 = 0 THEN now() ELSE stage_started_at END,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID, string(stage), progress)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if command.RowsAffected() == 0 {
		return explainMiss(ctx, r, jobID)
	}
	return nil
}

func (r *PostgresJobRepository) RecordStageDuration(ctx context.Context, jobID string, stage domain.Stage, seconds float64) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET stage_durations = stage_durations || jsonb_build_object($2::text, $3::float8),
			updated_at = now()
		WHERE id = $1
	`, jobID, string(stage), seconds)
	if err != nil {
		return fmt.Errorf("record stage duration: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) SetArtifacts(ctx context.Context, jobID string, update domain.ArtifactUpdate) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET timeline_path = COALESCE($2, timeline_path),
			slide_count = COALESCE($3, slide_count),
			audio_path = COALESCE($4, audio_path),
			video_path = COALESCE($5, video_path),
			video_duration_seconds = COALESCE($6, video_duration_seconds),
			updated_at = now()
		WHERE id = $1
	`,
		jobID,
		update.TimelinePath,
		update.SlideCount,
		update.AudioPath,
		update.VideoPath,
		update.VideoDurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("set artifacts: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) MarkCompleted(ctx context.Context, jobID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed',
			current_stage = NULL,
			stage_progress = 100,
			cancel_requested = FALSE,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) MarkFailed(ctx context.Context, jobID, message string, stage domain.Stage) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed',
			error_message = $2,
			error_stage = COALESCE($3::text, current_stage),
			current_stage = NULL,
			cancel_requested = FALSE,
			updated_at = now()
		WHERE id = $1
	`, jobID, message, nullableStage(stage))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) MarkCancelled(ctx context.Context, jobID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled',
			cancel_requested = FALSE,
			current_stage = NULL,
			updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return requireCommandRow(command)
}

func (r *PostgresJobRepository) RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
			cancel_requested = (status = 'processing'),
			current_stage = CASE WHEN status = 'pending' THEN NULL ELSE current_stage END,
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING status
	`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", explainMiss(ctx, r, jobID)
		}
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return domain.JobStatus(status), nil
}

func (r *PostgresJobRepository) ResetForRetry(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'pending',
			current_stage = NULL,
			stage_progress = 0,
			stage_started_at = NULL,
			error_message = '',
			error_stage = NULL,
			cancel_requested = FALSE,
			retry_count = retry_count + 1,
			updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, jobID)
	return r.scanReset(ctx, row, jobID, "reset for retry")
}

func (r *PostgresJobRepository) ResetForResume(ctx context.Context, jobID string, stage domain.Stage) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing',
			current_stage = $2,
			stage_progress = 0,
			stage_started_at = now(),
			error_message = '',
			error_stage = NULL,
			cancel_requested = FALSE,
			retry_count = retry_count + 1,
			updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, jobID, string(stage))
	return r.scanReset(ctx, row, jobID, "reset for resume")
}

func (r *PostgresJobRepository) scanReset(ctx context.Context, row pgx.Row, jobID, operation string) (*domain.Job, error) {
	job, err := scanPostgresJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, explainMiss(ctx, r, jobID)
		}
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return job, nil
}

func requireCommandRow(command pgconn.CommandTag) error {
	if command.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanPostgresJob(row rowScanner) (*domain.Job, error) {
	var (
		job          domain.Job
		status       string
		currentStage *string
		errorStage   *string
		durations    []byte
		createdAt    time.Time
		updatedAt    time.Time
	)

	err := row.Scan(
		&job.ID,
		&status,
		&currentStage,
		&job.StageProgress,
		&job.StageStartedAt,
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
		&job.CancelRequested,
		&createdAt,
		&updatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.CurrentStage = stageFromNullable(currentStage)
	job.ErrorStage = stageFromNullable(errorStage)
	job.CreatedAt = createdAt.UTC()
	job.UpdatedAt = updatedAt.UTC()
	if job.StageDurations, err = decodeDurations(durations); err != nil {
		return nil, err
	}
	return &job, nil
}
