package render

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/iago/aischool-back/internal/domain"
)

type Settings struct {
	FPS    int
	Width  int
	Height int
	// TransitionBuffer is added to every narration so slides do not cut on the last word.
	TransitionBuffer float64
}

func (s Settings) withDefaults() Settings {
	if s.FPS <= 0 {
		s.FPS = 30
	}
	if s.Width <= 0 {
		s.Width = 1920
	}
	if s.Height <= 0 {
		s.Height = 1080
	}
	if s.TransitionBuffer < 0 {
		s.TransitionBuffer = 0
	}
	return s
}

// Manifest is the request body of the render service.
type Manifest struct {
	JobID                string            `json:"job_id"`
	OutputPath           string            `json:"output_path"`
	FPS                  int               `json:"fps"`
	Width                int               `json:"width"`
	Height               int               `json:"height"`
	Title                string            `json:"title"`
	TotalDurationSeconds float64           `json:"total_duration_seconds"`
	Segments             []ManifestSegment `json:"segments"`
}

type ManifestSegment struct {
	SegmentID        string       `json:"segment_id"`
	StartTimeSeconds float64      `json:"start_time_seconds"`
	DurationSeconds  float64      `json:"duration_seconds"`
	Slide            domain.Slide `json:"slide"`
	NarrationText    string       `json:"narration_text"`
	AudioPath        string       `json:"audio_path"`
	ImagePath        string       `json:"image_path,omitempty"`
}

// BuildManifest lays the segments end to end using the measured audio length,
// not the duration the timeline estimated. resolve turns stored relative paths
// into absolute ones the render service can read.
func BuildManifest(
	jobID, outputPath string,
	timeline *domain.Timeline,
	clips []domain.AudioClip,
	images map[string]string,
	resolve func(string) string,
	settings Settings,
) (Manifest, error) {
	settings = settings.withDefaults()
	if timeline == nil {
		return Manifest{}, domain.Wrap(domain.ErrRender, domain.StageRender, "manifest", "timeline is required", nil)
	}

	audioBySegment := make(map[string]domain.AudioClip, len(clips))
	for _, clip := range clips {
		audioBySegment[clip.SegmentID] = clip
	}

	manifest := Manifest{
		JobID:      jobID,
		OutputPath: outputPath,
		FPS:        settings.FPS,
		Width:      settings.Width,
		Height:     settings.Height,
		Title:      timeline.Title,
		Segments:   make([]ManifestSegment, 0, len(timeline.Segments)),
	}

	var cursor float64
	for _, segment := range timeline.Segments {
		clip, ok := audioBySegment[segment.SegmentID]
		if !ok {
			return Manifest{}, domain.Wrap(domain.ErrRender, domain.StageRender, "manifest", "missing audio for "+segment.SegmentID, nil)
		}
		duration := round2(clip.DurationSeconds + settings.TransitionBuffer)

		entry := ManifestSegment{
			SegmentID:        segment.SegmentID,
			StartTimeSeconds: round2(cursor),
			DurationSeconds:  duration,
			Slide:            segment.Slide,
			NarrationText:    segment.NarrationText,
			AudioPath:        fileURL(resolve, clip.Path),
		}
		if image, ok := images[segment.SegmentID]; ok {
			entry.ImagePath = fileURL(resolve, image)
		}
		manifest.Segments = append(manifest.Segments, entry)
		cursor += duration
	}
	manifest.TotalDurationSeconds = round2(cursor)
	return manifest, nil
}

func fileURL(resolve func(string) string, rel string) string {
	if rel == "" {
		return ""
	}
	target := rel
	if resolve != nil {
		target = resolve(rel)
	}
	return fmt.Sprintf("file://%s", filepath.ToSlash(target))
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
