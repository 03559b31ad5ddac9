package timeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/iago/aischool-back/internal/domain"
)

const (
	minSegments            = 3
	maxSegments            = 20
	minSegmentSeconds      = 5.0
	maxSegmentSeconds      = 120.0
	minTotalSeconds        = 180.0
	maxTotalSeconds        = 900.0
	startToleranceSeconds  = 0.1
	totalToleranceSeconds  = 0.5
	minNarrationWords      = 30
	contiguityToleranceSec = 0.01
)

var requiredFields = []string{"title", "topic_summary", "target_age_group", "total_duration_seconds", "segments"}

// Result is a timeline that passed every rule, plus soft warnings.
type Result struct {
	Timeline *domain.Timeline
	Warnings []string
}

// Validator enforces the structural and timing rules a generated timeline must meet
// before it is persisted.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks raw model output. Every violated rule is collected into a
// *domain.ValidationError rather than stopping at the first.
func (v *Validator) Validate(raw []byte) (Result, error) {
	var data map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&data); err != nil || data == nil {
		return Result{}, &domain.ValidationError{Violations: []string{"timeline is not a JSON object"}}
	}

	violations := make([]string, 0)
	for _, field := range requiredFields {
		if _, ok := data[field]; !ok {
			violations = append(violations, "missing required field: "+field)
		}
	}
	if len(violations) > 0 {
		return Result{}, &domain.ValidationError{Violations: violations}
	}

	segments, ok := data["segments"].([]any)
	if !ok {
		return Result{}, &domain.ValidationError{Violations: []string{"segments must be a list"}}
	}

	if len(segments) < minSegments {
		violations = append(violations, fmt.Sprintf("too few segments: %d (minimum %d)", len(segments), minSegments))
	}
	if len(segments) > maxSegments {
		violations = append(violations, fmt.Sprintf("too many segments: %d (maximum %d)", len(segments), maxSegments))
	}

	warnings := make([]string, 0)
	expectedStart := 0.0
	totalCalculated := 0.0
	for i, item := range segments {
		segment, _ := item.(map[string]any)
		segmentID := stringField(segment, "segment_id")
		label := segmentID
		if label == "" {
			label = fmt.Sprintf("segment_%d", i)
		}
		prefix := fmt.Sprintf("segment %d (%s)", i+1, label)

		expectedID := fmt.Sprintf("seg_%03d", i+1)
		if segmentID != expectedID {
			violations = append(violations, fmt.Sprintf("%s: id should be %s, got %q", prefix, expectedID, segmentID))
		}

		start, startOK := numberField(segment, "start_time_seconds")
		duration, durationOK := numberField(segment, "duration_seconds")
		if !startOK {
			violations = append(violations, prefix+": start_time_seconds must be a number")
		}
		if !durationOK {
			violations = append(violations, prefix+": duration_seconds must be a number")
		}

		if math.Abs(start-expectedStart) > startToleranceSeconds {
			violations = append(violations, fmt.Sprintf("%s: start_time should be %s, got %s", prefix, formatSeconds(expectedStart), formatSeconds(start)))
		}
		if duration < minSegmentSeconds {
			violations = append(violations, fmt.Sprintf("%s: duration too short (%ss, min %ss)", prefix, formatSeconds(duration), formatSeconds(minSegmentSeconds)))
		}
		if duration > maxSegmentSeconds {
			violations = append(violations, fmt.Sprintf("%s: duration too long (%ss, max %ss)", prefix, formatSeconds(duration), formatSeconds(maxSegmentSeconds)))
		}
		expectedStart = start + duration
		totalCalculated += duration

		slide, _ := segment["slide"].(map[string]any)
		if stringField(slide, "title") == "" {
			violations = append(violations, prefix+": slide.title is empty")
		}
		if countBullets(slide) == 0 {
			violations = append(violations, prefix+": slide.bullets is empty")
		}
		if stringField(slide, "visual_prompt") == "" {
			violations = append(violations, prefix+": slide.visual_prompt is empty")
		}

		narration := stringField(segment, "narration_text")
		if narration == "" {
			violations = append(violations, prefix+": narration_text is empty")
		} else if words := len(strings.Fields(narration)); words < minNarrationWords {
			warnings = append(warnings, fmt.Sprintf("%s: narration_text is short (%d words)", prefix, words))
		}
	}

	declared, declaredOK := numberField(data, "total_duration_seconds")
	if !declaredOK {
		violations = append(violations, "total_duration_seconds must be a number")
	}
	if math.Abs(declared-totalCalculated) > totalToleranceSeconds {
		violations = append(violations, fmt.Sprintf(
			"total_duration_seconds (%s) doesn't match sum of segments (%s)",
			formatSeconds(declared),
			formatSeconds(totalCalculated),
		))
	}
	if totalCalculated < minTotalSeconds {
		violations = append(violations, fmt.Sprintf("video too short: %ss (minimum %ss)", formatSeconds(totalCalculated), formatSeconds(minTotalSeconds)))
	}
	if totalCalculated > maxTotalSeconds {
		violations = append(violations, fmt.Sprintf("video too long: %ss (maximum %ss)", formatSeconds(totalCalculated), formatSeconds(maxTotalSeconds)))
	}

	if len(violations) > 0 {
		return Result{Warnings: warnings}, &domain.ValidationError{Violations: violations}
	}

	var parsed domain.Timeline
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{Warnings: warnings}, &domain.ValidationError{Violations: []string{"schema: " + err.Error()}}
	}
	if err := CheckConsistency(&parsed); err != nil {
		return Result{Warnings: warnings}, err
	}

	return Result{Timeline: &parsed, Warnings: warnings}, nil
}

// CheckConsistency verifies that a decoded timeline is contiguous, sequentially
// numbered and sums to its declared total. Persisted timelines are re-checked with it
// on load.
func CheckConsistency(t *domain.Timeline) error {
	violations := make([]string, 0)
	for i, segment := range t.Segments {
		expectedID := fmt.Sprintf("seg_%03d", i+1)
		if segment.SegmentID != expectedID {
			violations = append(violations, fmt.Sprintf("segment %d: id should be %s, got %q", i+1, expectedID, segment.SegmentID))
		}
		if i == 0 {
			if math.Abs(segment.StartTimeSeconds) > contiguityToleranceSec {
				violations = append(violations, "first segment must start at 0")
			}
			continue
		}
		previous := t.Segments[i-1]
		if math.Abs(previous.EndTimeSeconds()-segment.StartTimeSeconds) > contiguityToleranceSec {
			violations = append(violations, fmt.Sprintf(
				"gap between %s and %s: %s != %s",
				previous.SegmentID,
				segment.SegmentID,
				formatSeconds(previous.EndTimeSeconds()),
				formatSeconds(segment.StartTimeSeconds),
			))
		}
	}

	sum := 0.0
	for _, segment := range t.Segments {
		sum += segment.DurationSeconds
	}
	if math.Abs(sum-t.TotalDurationSeconds) > totalToleranceSeconds {
		violations = append(violations, fmt.Sprintf("total duration mismatch: declared %s, sum %s", formatSeconds(t.TotalDurationSeconds), formatSeconds(sum)))
	}

	if len(violations) > 0 {
		return &domain.ValidationError{Violations: violations}
	}
	return nil
}

func stringField(values map[string]any, key string) string {
	if values == nil {
		return ""
	}
	value, _ := values[key].(string)
	return strings.TrimSpace(value)
}

func numberField(values map[string]any, key string) (float64, bool) {
	if values == nil {
		return 0, false
	}
	switch casted := values[key].(type) {
	case float64:
		return casted, true
	case json.Number:
		parsed, err := casted.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

func countBullets(slide map[string]any) int {
	if slide == nil {
		return 0
	}
	bullets, ok := slide["bullets"].([]any)
	if !ok {
		return 0
	}
	count := 0
	for _, bullet := range bullets {
		if text, ok := bullet.(string); ok && strings.TrimSpace(text) != "" {
			count++
		}
	}
	return count
}

func formatSeconds(value float64) string {
	return fmt.Sprintf("%g", math.Round(value*100)/100)
}
