package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

// JobRepository persists jobs. Every mutating call is one atomic read-modify-write
// against the stored row, so a resume request racing a worker's progress write
// cannot leave a mix of both.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error)
	Delete(ctx context.Context, jobID string) error
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// MarkProcessing moves a pending or processing job to stage. Progress 0 stamps
	// the stage start time. Jobs in any other status return ErrInvalidTransition.
	MarkProcessing(ctx context.Context, jobID string, stage domain.Stage, progress int) error
	RecordStageDuration(ctx context.Context, jobID string, stage domain.Stage, seconds float64) error
	SetArtifacts(ctx context.Context, jobID string, update domain.ArtifactUpdate) error
	MarkCompleted(ctx context.Context, jobID string) error
	// MarkFailed records the failure; an empty stage falls back to the current one.
	MarkFailed(ctx context.Context, jobID, message string, stage domain.Stage) error
	MarkCancelled(ctx context.Context, jobID string) error
	// RequestCancel cancels a pending job outright and flags a processing one.
	// It returns the status the job ends up in.
	RequestCancel(ctx context.Context, jobID string) (domain.JobStatus, error)
	ResetForRetry(ctx context.Context, jobID string) (*domain.Job, error)
	ResetForResume(ctx context.Context, jobID string, stage domain.Stage) (*domain.Job, error)

	Ping(ctx context.Context) error
	Close() error
}

// MemoryJobRepository keeps jobs in process memory for local development and tests.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[string]*domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := job.Clone()
	if clone.StageDurations == nil {
		clone.StageDurations = map[domain.Stage]float64{}
	}
	r.jobs[job.ID] = clone
	return nil
}

func (r *MemoryJobRepository) Get(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobRepository) List(_ context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filter = filter.Normalize()
	items := make([]*domain.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		items = append(items, job)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	total := len(items)
	start := filter.Offset()
	if start >= total {
		return []*domain.Job{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}

	page := make([]*domain.Job, 0, end-start)
	for _, job := range items[start:end] {
		page = append(page, job.Clone())
	}
	return page, total, nil
}

func (r *MemoryJobRepository) Delete(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.jobs, jobID)
	return nil
}

func (r *MemoryJobRepository) CountByStatus(context.Context) (map[domain.JobStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.JobStatus]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (r *MemoryJobRepository) MarkProcessing(_ context.Context, jobID string, stage domain.Stage, progress int) error {
	_, err := r.mutate(jobID, func(job *domain.Job, now time.Time) error {
		if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusProcessing {
			return domain.ErrInvalidTransition
		}
		job.Status = domain.JobStatusProcessing
		job.CurrentStage = domain.StagePtr(stage)
		job.StageProgress = progress
		if progress == 0 {
			job.StageStartedAt = &now
		}
		return nil
	})
	return err
}

func (r *MemoryJobRepository) RecordStageDuration(_ context.Context, jobID string, stage domain.Stage, seconds float64) error {
	_, err := r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		if job.StageDurations == nil {
			job.StageDurations = map[domain.Stage]float64{}
		}
		job.StageDurations[stage] = seconds
		return nil
	})
	return err
}

func (r *MemoryJobRepository) SetArtifacts(_ context.Context, jobID string, update domain.ArtifactUpdate) error {
	_, err := r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		if update.TimelinePath != nil {
			job.TimelinePath = *update.TimelinePath
		}
		if update.SlideCount != nil {
			count := *update.SlideCount
			job.SlideCount = &count
		}
		if update.AudioPath != nil {
			job.AudioPath = *update.AudioPath
		}
		if update.VideoPath != nil {
			job.VideoPath = *update.VideoPath
		}
		if update.VideoDurationSeconds != nil {
			seconds := *update.VideoDurationSeconds
			job.VideoDurationSeconds = &seconds
		}
		return nil
	})
	return err
}

func (r *MemoryJobRepository) MarkCompleted(_ context.Context, jobID string) error {
	_, err := r.mutate(jobID, func(job *domain.Job, now time.Time) error {
		job.Status = domain.JobStatusCompleted
		job.CurrentStage = nil
		job.StageProgress = 100
		job.CompletedAt = &now
		job.CancelRequested = false
		return nil
	})
	return err
}

func (r *MemoryJobRepository) MarkFailed(_ context.Context, jobID, message string, stage domain.Stage) error {
	_, err := r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		errorStage := domain.StagePtr(stage)
		if errorStage == nil && job.CurrentStage != nil {
			current := *job.CurrentStage
			errorStage = &current
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = message
		job.ErrorStage = errorStage
		job.CurrentStage = nil
		job.CancelRequested = false
		return nil
	})
	return err
}

func (r *MemoryJobRepository) MarkCancelled(_ context.Context, jobID string) error {
	_, err := r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		job.Status = domain.JobStatusCancelled
		job.CancelRequested = false
		job.CurrentStage = nil
		return nil
	})
	return err
}

func (r *MemoryJobRepository) RequestCancel(_ context.Context, jobID string) (domain.JobStatus, error) {
	job, err := r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		switch job.Status {
		case domain.JobStatusPending:
			job.Status = domain.JobStatusCancelled
			job.CancelRequested = false
			job.CurrentStage = nil
		case domain.JobStatusProcessing:
			job.CancelRequested = true
		default:
			return domain.ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (r *MemoryJobRepository) ResetForRetry(_ context.Context, jobID string) (*domain.Job, error) {
	return r.mutate(jobID, func(job *domain.Job, _ time.Time) error {
		if job.Status != domain.JobStatusFailed {
			return domain.ErrInvalidTransition
		}
		job.Status = domain.JobStatusPending
		job.CurrentStage = nil
		job.StageProgress = 0
		job.StageStartedAt = nil
		job.ErrorMessage = ""
		job.ErrorStage = nil
		job.CancelRequested = false
		job.RetryCount++
		return nil
	})
}

func (r *MemoryJobRepository) ResetForResume(_ context.Context, jobID string, stage domain.Stage) (*domain.Job, error) {
	return r.mutate(jobID, func(job *domain.Job, now time.Time) error {
		if job.Status != domain.JobStatusFailed {
			return domain.ErrInvalidTransition
		}
		job.Status = domain.JobStatusProcessing
		job.CurrentStage = domain.StagePtr(stage)
		job.StageProgress = 0
		job.StageStartedAt = &now
		job.ErrorMessage = ""
		job.ErrorStage = nil
		job.CancelRequested = false
		job.RetryCount++
		return nil
	})
}

func (r *MemoryJobRepository) Ping(context.Context) error { return nil }

func (r *MemoryJobRepository) Close() error { return nil }

// mutate applies fn under the write lock and only commits when fn succeeds.
func (r *MemoryJobRepository) mutate(jobID string, fn func(job *domain.Job, now time.Time) error) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}

	working := stored.Clone()
	now := r.now()
	if err := fn(working, now); err != nil {
		return nil, err
	}
	working.UpdatedAt = now
	r.jobs[jobID] = working
	return working.Clone(), nil
}
