package pipeline

import (
	"errors"
	"fmt"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/timeline"
	"github.com/iago/aischool-back/internal/tts"
	"github.com/spf13/afero"
)

// ErrNoTimeline means the job failed before a timeline was persisted; only a full retry helps.
var ErrNoTimeline = errors.New("no persisted timeline, retry the job instead of resuming")

// prepareResume reloads the artifacts of the stages that will be skipped.
func (r *Runner) prepareResume(state *run, from domain.Stage) error {
	if !from.Resumable() {
		return fmt.Errorf("%w: cannot resume from stage %q", domain.ErrInvalidTransition, from)
	}
	jobID := state.job.ID

	loaded, err := r.deps.Store.LoadTimeline(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrNoTimeline
		}
		return err
	}
	if err := timeline.CheckConsistency(loaded); err != nil {
		return err
	}
	state.timeline = loaded

	if from.Index() > domain.StageImages.Index() {
		images, err := r.deps.Store.ListImages(jobID)
		if err != nil {
			return err
		}
		state.images = images
	}
	if from == domain.StageRender {
		clips, err := LoadClips(r.deps.Store, jobID, loaded)
		if err != nil {
			return err
		}
		state.clips = clips
	}

	r.logger.Infow("resuming job",
		"job_id", jobID,
		"stage", from,
		"segments", len(loaded.Segments),
		"images", len(state.images),
		"audio", len(state.clips),
	)
	return nil
}

type audioSource interface {
	ListAudio(jobID string) (map[string]string, error)
	Open(rel string) (afero.File, error)
}

// LoadClips rebuilds the narration list from stored MP3s, measuring each file
// again. Every segment of the timeline must have audio.
func LoadClips(store audioSource, jobID string, t *domain.Timeline) ([]domain.AudioClip, error) {
	stored, err := store.ListAudio(jobID)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, domain.Wrap(domain.ErrInput, domain.StageRender, "resume", "no audio found; resume from tts instead", nil)
	}

	clips := make([]domain.AudioClip, 0, len(t.Segments))
	for _, segment := range t.Segments {
		path, ok := stored[segment.SegmentID]
		if !ok {
			return nil, domain.Wrap(domain.ErrInput, domain.StageRender, "resume", "missing audio for "+segment.SegmentID, nil)
		}
		file, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		data, err := afero.ReadAll(file)
		_ = file.Close()
		if err != nil {
			return nil, domain.Wrap(domain.ErrStorage, domain.StageRender, "read audio", segment.SegmentID, err)
		}
		clips = append(clips, domain.AudioClip{
			SegmentID:       segment.SegmentID,
			Path:            path,
			DurationSeconds: tts.MP3Duration(data),
		})
	}
	return clips, nil
}
