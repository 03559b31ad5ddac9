package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status ends a run.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

type Stage string

const (
	StageExtract  Stage = "extract"
	StageGenerate Stage = "generate"
	StageImages   Stage = "images"
	StageTTS      Stage = "tts"
	StageRender   Stage = "render"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageExtract, StageGenerate, StageImages, StageTTS, StageRender}

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Resumable reports whether a run may re-enter the pipeline at this stage.
func (s Stage) Resumable() bool {
	return s == StageImages || s == StageTTS || s == StageRender
}

func ParseStage(value string) (Stage, bool) {
	stage := Stage(value)
	return stage, stage.Valid()
}

type Action string

const (
	ActionProcess Action = "process"
	ActionResume  Action = "resume"
)

// Job is the unit of work driven through the pipeline.
type Job struct {
	ID                   string            `json:"id"`
	Status               JobStatus         `json:"status"`
	CurrentStage         *Stage            `json:"current_stage"`
	StageProgress        int               `json:"stage_progress"`
	StageStartedAt       *time.Time        `json:"stage_started_at"`
	StageDurations       map[Stage]float64 `json:"stage_durations"`
	OriginalFilename     string            `json:"original_filename"`
	PDFPath              string            `json:"-"`
	TimelinePath         string            `json:"-"`
	AudioPath            string            `json:"-"`
	VideoPath            string            `json:"-"`
	VideoDurationSeconds *float64          `json:"video_duration_seconds"`
	SlideCount           *int              `json:"slide_count"`
	ErrorMessage         string            `json:"error_message,omitempty"`
	ErrorStage           *Stage            `json:"error_stage"`
	RetryCount           int               `json:"retry_count"`
	CancelRequested      bool              `json:"cancel_requested"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at"`
}

// Clone returns a deep copy so callers never share maps or pointers with storage.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.CurrentStage = cloneStage(j.CurrentStage)
	clone.ErrorStage = cloneStage(j.ErrorStage)
	clone.StageStartedAt = cloneTime(j.StageStartedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	if j.VideoDurationSeconds != nil {
		value := *j.VideoDurationSeconds
		clone.VideoDurationSeconds = &value
	}
	if j.SlideCount != nil {
		value := *j.SlideCount
		clone.SlideCount = &value
	}
	clone.StageDurations = make(map[Stage]float64, len(j.StageDurations))
	for stage, seconds := range j.StageDurations {
		clone.StageDurations[stage] = seconds
	}
	return &clone
}

// ArtifactUpdate carries the artifact references a stage produced. Nil fields are left untouched.
type ArtifactUpdate struct {
	TimelinePath         *string
	SlideCount           *int
	AudioPath            *string
	VideoPath            *string
	VideoDurationSeconds *float64
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string    `json:"job_id"`
	Action      Action    `json:"action"`
	FromStage   Stage     `json:"from_stage,omitempty"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

type JobListFilter struct {
	Status   JobStatus
	Page     int
	PageSize int
}

func (f JobListFilter) Normalize() JobListFilter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

func (f JobListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

func StagePtr(stage Stage) *Stage {
	if stage == "" {
		return nil
	}
	return &stage
}

func cloneStage(value *Stage) *Stage {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
