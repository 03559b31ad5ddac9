package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iago/aischool-back/internal/domain"
)

// jobColumns is the column order every SQL backend selects and scans.
var jobColumns = strings.Join([]string{
	"id",
	"status",
	"current_stage",
	"stage_progress",
	"stage_started_at",
	"stage_durations",
	"original_filename",
	"pdf_path",
	"timeline_path",
	"audio_path",
	"video_path",
	"video_duration_seconds",
	"slide_count",
	"error_message",
	"error_stage",
	"retry_count",
	"cancel_requested",
	"created_at",
	"updated_at",
	"completed_at",
}, ", ")

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeDurations(durations map[domain.Stage]float64) ([]byte, error) {
	if durations == nil {
		durations = map[domain.Stage]float64{}
	}
	raw, err := json.Marshal(durations)
	if err != nil {
		return nil, fmt.Errorf("encode stage durations: %w", err)
	}
	return raw, nil
}

func decodeDurations(raw []byte) (map[domain.Stage]float64, error) {
	durations := map[domain.Stage]float64{}
	if len(raw) == 0 {
		return durations, nil
	}
	if err := json.Unmarshal(raw, &durations); err != nil {
		return nil, fmt.Errorf("decode stage durations: %w", err)
	}
	return durations, nil
}

func stageFromNullable(value *string) *domain.Stage {
	if value == nil || *value == "" {
		return nil
	}
	return domain.StagePtr(domain.Stage(*value))
}

func nullableStage(stage domain.Stage) *string {
	if stage == "" {
		return nil
	}
	value := string(stage)
	return &value
}

// explainMiss turns an UPDATE that matched no row into ErrNotFound or, when the
// row exists in a status the transition does not accept, ErrInvalidTransition.
func explainMiss(ctx context.Context, repo interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}, jobID string) error {
	if _, err := repo.Get(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrInvalidTransition
}
