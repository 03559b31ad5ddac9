package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/queue"
	"github.com/iago/aischool-back/internal/repository"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ArtifactStore is the part of storage the API layer touches.
type ArtifactStore interface {
	SavePDF(jobID, filename string, content []byte) (string, error)
	HasTimeline(jobID string) bool
	HasAudio(jobID string) bool
	OpenVideo(jobID string) (afero.File, os.FileInfo, error)
	DeleteJob(jobID string) error
}

// BulkProducer enqueues many messages in one go, such as queue.BatchingProducer.
type BulkProducer interface {
	EnqueueAll(ctx context.Context, messages []domain.QueueMessage) error
}

type Options struct {
	MaxUploadBytes int64
	// Bulk is optional; without it RetryFailed enqueues one message at a time.
	Bulk BulkProducer
}

// JobService owns every job transition requested from outside the pipeline:
// upload, retry, resume, cancel and delete.
type JobService struct {
	repo      repository.JobRepository
	store     ArtifactStore
	producer  queue.Producer
	bulk      BulkProducer
	maxUpload int64
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewJobService(repo repository.JobRepository, store ArtifactStore, producer queue.Producer, opts Options, logger *zap.SugaredLogger) *JobService {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 50 * 1024 * 1024
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobService{
		repo:      repo,
		store:     store,
		producer:  producer,
		bulk:      opts.Bulk,
		maxUpload: opts.MaxUploadBytes,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *JobService) Create(ctx context.Context, filename string, content []byte) (*domain.Job, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if strings.ToLower(filepath.Ext(filename)) != ".pdf" {
		return nil, inputErr("only PDF files are accepted")
	}
	if len(content) == 0 {
		return nil, inputErr("uploaded file is empty")
	}
	if int64(len(content)) > s.maxUpload {
		return nil, inputErr(fmt.Sprintf("file too large: maximum is %d MB", s.maxUpload/(1024*1024)))
	}

	now := s.now()
	job := &domain.Job{
		ID:               uuid.NewString(),
		Status:           domain.JobStatusPending,
		StageDurations:   map[domain.Stage]float64{},
		OriginalFilename: filename,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	pdfPath, err := s.store.SavePDF(job.ID, filename, content)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	job.PDFPath = pdfPath

	if err := s.repo.Create(ctx, job); err != nil {
		_ = s.store.DeleteJob(job.ID)
		return nil, fmt.Errorf("create job: %w", err)
	}

	message := domain.QueueMessage{JobID: job.ID, Action: domain.ActionProcess, RequestedAt: now}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		_ = s.repo.MarkFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed: "+err.Error(), "")
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Infow("job created", "job_id", job.ID, "file", filename, "bytes", len(content))
	return job, nil
}

func (s *JobService) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.Get(ctx, jobID)
}

func (s *JobService) List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, inputErr(fmt.Sprintf("unknown status %q", filter.Status))
	}
	return s.repo.List(ctx, filter.Normalize())
}

func (s *JobService) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Delete removes the artifacts and the record. A job a worker is still running must be cancelled first.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusProcessing {
		return fmt.Errorf("%w: job %s is processing; cancel it first", domain.ErrInvalidTransition, jobID)
	}
	if err := s.store.DeleteJob(jobID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, jobID); err != nil {
		return err
	}
	s.logger.Infow("job deleted", "job_id", jobID)
	return nil
}

// Retry restarts a failed job from extraction.
func (s *JobService) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.ResetForRetry(ctx, jobID)
	if err != nil {
		return nil, transitionErr(err, jobID, "only failed jobs can be retried")
	}
	message := domain.QueueMessage{
		JobID:       job.ID,
		Action:      domain.ActionProcess,
		Attempt:     job.RetryCount,
		RequestedAt: s.now(),
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		_ = s.repo.MarkFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed: "+err.Error(), "")
		return nil, fmt.Errorf("enqueue retry: %w", err)
	}
	s.logger.Infow("job retry requested", "job_id", job.ID, "retry_count", job.RetryCount)
	return job, nil
}

// Resume re-enters a failed job at stage, reusing the persisted timeline and
// earlier artifacts. Preconditions are checked before anything is enqueued.
func (s *JobService) Resume(ctx context.Context, jobID string, stage domain.Stage) (*domain.Job, error) {
	if !stage.Resumable() {
		return nil, inputErr(fmt.Sprintf("from_stage must be one of images, tts or render, got %q", stage))
	}

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be resumed, job is %s", domain.ErrInvalidTransition, job.Status)
	}
	if !s.store.HasTimeline(jobID) {
		return nil, fmt.Errorf("%w: job has no timeline, use retry instead", domain.ErrInvalidTransition)
	}
	if stage == domain.StageRender && !s.store.HasAudio(jobID) {
		return nil, fmt.Errorf("%w: no audio found, resume from tts instead", domain.ErrInvalidTransition)
	}

	job, err = s.repo.ResetForResume(ctx, jobID, stage)
	if err != nil {
		return nil, transitionErr(err, jobID, "only failed jobs can be resumed")
	}
	message := domain.QueueMessage{
		JobID:       job.ID,
		Action:      domain.ActionResume,
		FromStage:   stage,
		Attempt:     job.RetryCount,
		RequestedAt: s.now(),
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		_ = s.repo.MarkFailed(context.WithoutCancel(ctx), job.ID, "enqueue failed: "+err.Error(), stage)
		return nil, fmt.Errorf("enqueue resume: %w", err)
	}
	s.logger.Infow("job resume requested", "job_id", job.ID, "stage", stage, "retry_count", job.RetryCount)
	return job, nil
}

// Cancel stops a pending job at once and flags a processing one for the runner.
func (s *JobService) Cancel(ctx context.Context, jobID string) (domain.JobStatus, error) {
	status, err := s.repo.RequestCancel(ctx, jobID)
	if err != nil {
		return "", transitionErr(err, jobID, "job cannot be cancelled in its current state")
	}
	s.logger.Infow("job cancel requested", "job_id", jobID, "status", status)
	return status, nil
}

// RetryFailed resets every failed job and enqueues them together. It returns how many were requeued.
func (s *JobService) RetryFailed(ctx context.Context) (int, error) {
	var ids []string
	for page := 1; ; page++ {
		jobs, total, err := s.repo.List(ctx, domain.JobListFilter{Status: domain.JobStatusFailed, Page: page, PageSize: 100})
		if err != nil {
			return 0, err
		}
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
		if len(jobs) == 0 || page*100 >= total {
			break
		}
	}

	messages := make([]domain.QueueMessage, 0, len(ids))
	for _, id := range ids {
		job, err := s.repo.ResetForRetry(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return 0, err
		}
		messages = append(messages, domain.QueueMessage{
			JobID:       job.ID,
			Action:      domain.ActionProcess,
			Attempt:     job.RetryCount,
			RequestedAt: s.now(),
		})
	}
	if len(messages) == 0 {
		return 0, nil
	}

	if err := s.enqueueAll(ctx, messages); err != nil {
		// a reset job with no message behind it would sit in pending forever
		persistCtx := context.WithoutCancel(ctx)
		for _, message := range messages {
			_ = s.repo.MarkFailed(persistCtx, message.JobID, "enqueue failed: "+err.Error(), "")
		}
		return 0, fmt.Errorf("enqueue retries: %w", err)
	}
	s.logger.Infow("failed jobs requeued", "count", len(messages))
	return len(messages), nil
}

func (s *JobService) enqueueAll(ctx context.Context, messages []domain.QueueMessage) error {
	if s.bulk != nil {
		return s.bulk.EnqueueAll(ctx, messages)
	}
	for _, message := range messages {
		if err := s.producer.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// Video opens the rendered file of a completed job.
func (s *JobService) Video(ctx context.Context, jobID string) (afero.File, os.FileInfo, error) {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, nil, fmt.Errorf("video for job %s is not ready: %w", jobID, domain.ErrNotFound)
	}
	return s.store.OpenVideo(jobID)
}

func inputErr(message string) error {
	return domain.Wrap(domain.ErrInput, "", "", message, nil)
}

func transitionErr(err error, jobID, message string) error {
	if errors.Is(err, domain.ErrInvalidTransition) {
		return fmt.Errorf("%w: job %s: %s", domain.ErrInvalidTransition, jobID, message)
	}
	return err
}
