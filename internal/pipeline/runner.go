package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/render"
	"github.com/iago/aischool-back/internal/repository"
	"github.com/iago/aischool-back/internal/timeline"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type Extractor interface {
	Extract(ctx context.Context, path string) (*domain.PDFContent, error)
}

type ContentGenerator interface {
	Generate(ctx context.Context, jobID string, pdf *domain.PDFContent) (json.RawMessage, error)
}

type TimelineValidator interface {
	Validate(raw []byte) (timeline.Result, error)
}

type ImageGenerator interface {
	GenerateBatch(ctx context.Context, jobID string, segments []domain.Segment) (map[string]string, error)
}

type TTSGenerator interface {
	GenerateBatch(ctx context.Context, jobID string, segments []domain.Segment) ([]domain.AudioClip, error)
}

type Renderer interface {
	Render(ctx context.Context, jobID string, timeline *domain.Timeline, clips []domain.AudioClip, images map[string]string) (render.Result, error)
}

// ArtifactStore is what the runner needs from storage to hand artifacts between stages.
type ArtifactStore interface {
	SaveTimeline(jobID string, timeline *domain.Timeline) (string, error)
	LoadTimeline(jobID string) (*domain.Timeline, error)
	ListImages(jobID string) (map[string]string, error)
	ListAudio(jobID string) (map[string]string, error)
	AudioDir(jobID string) string
	Open(rel string) (afero.File, error)
}

type Notifier interface {
	JobFinished(ctx context.Context, job *domain.Job)
}

// Collaborators are constructed once per process and shared by every worker.
type Collaborators struct {
	Jobs      repository.JobRepository
	Store     ArtifactStore
	Extractor Extractor
	Content   ContentGenerator
	Validator TimelineValidator
	Images    ImageGenerator
	TTS       TTSGenerator
	Renderer  Renderer
	// Notifier is optional.
	Notifier Notifier
}

// Runner drives one job through extract, generate, images, tts and render. It
// is safe for concurrent use by several workers as long as each job is handled
// by one of them at a time.
type Runner struct {
	deps   Collaborators
	logger *zap.SugaredLogger
	now    func() time.Time
}

func NewRunner(deps Collaborators, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{deps: deps, logger: logger, now: time.Now}
}

// run is the state one invocation accumulates as stages complete.
type run struct {
	job      *domain.Job
	stage    domain.Stage
	pdf      *domain.PDFContent
	timeline *domain.Timeline
	images   map[string]string
	clips    []domain.AudioClip
}

// Process handles one queue message. Stage failures are recorded on the job and
// do not come back as errors; an error means the job could not be loaded.
func (r *Runner) Process(ctx context.Context, message domain.QueueMessage) (err error) {
	state := &run{}
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Errorw("pipeline panic",
				"job_id", message.JobID,
				"stage", state.stage,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
			r.fail(ctx, message.JobID, state.stage, fmt.Sprintf("unexpected error: %v", recovered))
			err = nil
		}
	}()

	job, err := r.deps.Jobs.Get(ctx, message.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.logger.Warnw("job vanished before processing", "job_id", message.JobID)
			return nil
		}
		return fmt.Errorf("load job %s: %w", message.JobID, err)
	}
	state.job = job

	switch message.Action {
	case domain.ActionProcess, "":
		if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusProcessing {
			r.logger.Infow("skipping job that is no longer runnable", "job_id", job.ID, "status", job.Status)
			return nil
		}
		r.execute(ctx, state, domain.StageExtract)
	case domain.ActionResume:
		if job.Status != domain.JobStatusProcessing {
			r.logger.Infow("skipping resume for job that was not reset", "job_id", job.ID, "status", job.Status)
			return nil
		}
		if err := r.prepareResume(state, message.FromStage); err != nil {
			state.stage = message.FromStage
			r.fail(ctx, job.ID, message.FromStage, err.Error())
			return nil
		}
		r.execute(ctx, state, message.FromStage)
	default:
		r.fail(ctx, job.ID, "", fmt.Sprintf("unknown action %q", message.Action))
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, state *run, from domain.Stage) {
	jobID := state.job.ID
	start := from.Index()
	if start < 0 {
		r.fail(ctx, jobID, "", fmt.Sprintf("unknown stage %q", from))
		return
	}

	for i, stage := range domain.Stages[start:] {
		state.stage = stage
		if err := r.deps.Jobs.MarkProcessing(ctx, jobID, stage, 0); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				if i == 0 {
					r.logger.Infow("job left the runnable states, skipping", "job_id", jobID, "stage", stage)
				} else {
					r.logger.Warnw("job changed state under the runner, stopping", "job_id", jobID, "stage", stage)
				}
				return
			}
			r.fail(ctx, jobID, stage, err.Error())
			return
		}

		if r.cancelRequested(ctx, jobID) {
			r.cancel(ctx, jobID, stage)
			return
		}

		started := r.now()
		r.logger.Infow("stage started", "job_id", jobID, "stage", stage)
		if err := r.runStage(ctx, stage, state); err != nil {
			r.logger.Errorw("stage failed", "job_id", jobID, "stage", stage, "error", err)
			r.fail(ctx, jobID, stage, err.Error())
			return
		}
		elapsed := r.now().Sub(started).Seconds()

		persist := context.WithoutCancel(ctx)
		if err := r.deps.Jobs.RecordStageDuration(persist, jobID, stage, elapsed); err != nil {
			r.logger.Warnw("stage duration not recorded", "job_id", jobID, "stage", stage, "error", err)
		}
		if err := r.deps.Jobs.MarkProcessing(persist, jobID, stage, 100); err != nil {
			r.fail(ctx, jobID, stage, err.Error())
			return
		}
		r.logger.Infow("stage completed", "job_id", jobID, "stage", stage, "seconds", elapsed)
	}

	if r.cancelRequested(ctx, jobID) {
		r.logger.Infow("cancel arrived during the last stage, keeping the video", "job_id", jobID)
	}
	persist := context.WithoutCancel(ctx)
	if err := r.deps.Jobs.MarkCompleted(persist, jobID); err != nil {
		r.fail(ctx, jobID, domain.StageRender, err.Error())
		return
	}
	r.logger.Infow("job completed", "job_id", jobID)
	r.notify(ctx, jobID)
}

func (r *Runner) runStage(ctx context.Context, stage domain.Stage, state *run) error {
	jobID := state.job.ID
	persist := context.WithoutCancel(ctx)

	switch stage {
	case domain.StageExtract:
		pdf, err := r.deps.Extractor.Extract(ctx, state.job.PDFPath)
		if err != nil {
			return err
		}
		state.pdf = pdf
		r.logger.Infow("pdf extracted", "job_id", jobID, "pages", pdf.PageCount, "words", pdf.WordCount)
		return nil

	case domain.StageGenerate:
		raw, err := r.deps.Content.Generate(ctx, jobID, state.pdf)
		if err != nil {
			return err
		}
		result, err := r.deps.Validator.Validate(raw)
		if err != nil {
			return err
		}
		for _, warning := range result.Warnings {
			r.logger.Warnw("timeline warning", "job_id", jobID, "warning", warning)
		}
		path, err := r.deps.Store.SaveTimeline(jobID, result.Timeline)
		if err != nil {
			return err
		}
		state.timeline = result.Timeline
		slides := len(result.Timeline.Segments)
		return r.deps.Jobs.SetArtifacts(persist, jobID, domain.ArtifactUpdate{TimelinePath: &path, SlideCount: &slides})

	case domain.StageImages:
		images, err := r.deps.Images.GenerateBatch(ctx, jobID, state.timeline.Segments)
		if err != nil {
			return err
		}
		state.images = images
		return nil

	case domain.StageTTS:
		clips, err := r.deps.TTS.GenerateBatch(ctx, jobID, state.timeline.Segments)
		if err != nil {
			return err
		}
		state.clips = clips
		dir := r.deps.Store.AudioDir(jobID)
		return r.deps.Jobs.SetArtifacts(persist, jobID, domain.ArtifactUpdate{AudioPath: &dir})

	case domain.StageRender:
		result, err := r.deps.Renderer.Render(ctx, jobID, state.timeline, state.clips, state.images)
		if err != nil {
			return err
		}
		return r.deps.Jobs.SetArtifacts(persist, jobID, domain.ArtifactUpdate{
			VideoPath:            &result.VideoPath,
			VideoDurationSeconds: &result.DurationSeconds,
		})
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func (r *Runner) cancelRequested(ctx context.Context, jobID string) bool {
	job, err := r.deps.Jobs.Get(ctx, jobID)
	if err != nil {
		r.logger.Warnw("cancel check failed", "job_id", jobID, "error", err)
		return false
	}
	return job.CancelRequested
}

func (r *Runner) cancel(ctx context.Context, jobID string, stage domain.Stage) {
	if err := r.deps.Jobs.MarkCancelled(context.WithoutCancel(ctx), jobID); err != nil {
		r.logger.Errorw("could not mark job cancelled", "job_id", jobID, "stage", stage, "error", err)
		return
	}
	r.logger.Infow("job cancelled", "job_id", jobID, "before_stage", stage)
	r.notify(ctx, jobID)
}

// fail records the failure with a context that survives worker shutdown, so a
// job interrupted mid-stage does not stay PROCESSING forever.
func (r *Runner) fail(ctx context.Context, jobID string, stage domain.Stage, message string) {
	if err := r.deps.Jobs.MarkFailed(context.WithoutCancel(ctx), jobID, message, stage); err != nil {
		r.logger.Errorw("could not mark job failed", "job_id", jobID, "stage", stage, "error", err)
		return
	}
	r.notify(ctx, jobID)
}

func (r *Runner) notify(ctx context.Context, jobID string) {
	if r.deps.Notifier == nil {
		return
	}
	job, err := r.deps.Jobs.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return
	}
	r.deps.Notifier.JobFinished(context.WithoutCancel(ctx), job)
}
