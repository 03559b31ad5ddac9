package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/iago/aischool-back/internal/domain"
)

var longNarration = strings.Repeat("teachers guide students through the idea with care ", 5)

func buildTimeline(durations ...float64) *domain.Timeline {
	timeline := &domain.Timeline{
		Version:        "1.0",
		Title:          "Teacher Training: Water Cycle",
		TopicSummary:   "How to teach evaporation and condensation",
		TargetAgeGroup: "10-12 years",
	}
	start := 0.0
	for i, duration := range durations {
		timeline.Segments = append(timeline.Segments, domain.Segment{
			SegmentID:        fmt.Sprintf("seg_%03d", i+1),
			StartTimeSeconds: start,
			DurationSeconds:  duration,
			Slide: domain.Slide{
				Title:        fmt.Sprintf("Part %d", i+1),
				Bullets:      []string{"Point one", "Point two"},
				VisualPrompt: "clean diagram of the water cycle",
			},
			NarrationText: longNarration,
		})
		start += duration
	}
	timeline.TotalDurationSeconds = start
	return timeline
}

func encode(t *testing.T, value any) []byte {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal timeline: %v", err)
	}
	return raw
}

func repeatDuration(count int, duration float64) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = duration
	}
	return out
}

func violationsOf(t *testing.T, err error) []string {
	t.Helper()
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *domain.ValidationError, got %v", err)
	}
	return validationErr.Violations
}

func TestValidateBoundaries(t *testing.T) {
	cases := []struct {
		name      string
		durations []float64
		wantErr   string
	}{
		{name: "two segments rejected", durations: []float64{100, 100}, wantErr: "too few segments"},
		{name: "twenty one segments rejected", durations: repeatDuration(21, 30), wantErr: "too many segments"},
		{name: "twenty segments accepted", durations: repeatDuration(20, 30)},
		{name: "three segments accepted", durations: []float64{60, 60, 60}},
		{name: "4.9 seconds rejected", durations: []float64{4.9, 100, 100}, wantErr: "duration too short"},
		{name: "5.1 seconds accepted", durations: []float64{5.1, 100, 100}},
		{name: "120.1 seconds rejected", durations: []float64{120.1, 60, 60}, wantErr: "duration too long"},
		{name: "total under three minutes rejected", durations: []float64{50, 50, 50}, wantErr: "video too short"},
		{name: "total over fifteen minutes rejected", durations: repeatDuration(8, 115), wantErr: "video too long"},
	}

	validator := NewValidator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := validator.Validate(encode(t, buildTimeline(tc.durations...)))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid timeline, got %v", err)
				}
				if result.Timeline == nil || len(result.Timeline.Segments) != len(tc.durations) {
					t.Fatalf("expected parsed timeline with %d segments", len(tc.durations))
				}
				return
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(strings.Join(violationsOf(t, err), "\n"), tc.wantErr) {
				t.Fatalf("expected violation containing %q, got %v", tc.wantErr, violationsOf(t, err))
			}
		})
	}
}

func TestValidateDeclaredTotalMismatch(t *testing.T) {
	timeline := buildTimeline(60, 60, 60)
	timeline.TotalDurationSeconds = 200

	_, err := NewValidator().Validate(encode(t, timeline))
	violations := violationsOf(t, err)
	if len(violations) != 1 || !strings.Contains(violations[0], "doesn't match sum of segments") {
		t.Fatalf("unexpected violations %v", violations)
	}
}

func TestValidateCollectsEveryViolation(t *testing.T) {
	timeline := buildTimeline(60, 60, 60)
	timeline.Segments[1].SegmentID = "seg_007"
	timeline.Segments[1].Slide.Title = ""
	timeline.Segments[2].StartTimeSeconds = 130
	timeline.Segments[2].NarrationText = ""
	timeline.Segments[2].Slide.Bullets = []string{"  "}

	_, err := NewValidator().Validate(encode(t, timeline))
	violations := violationsOf(t, err)

	expected := []string{
		"id should be seg_002",
		"slide.title is empty",
		"start_time should be 120",
		"narration_text is empty",
		"slide.bullets is empty",
	}
	joined := strings.Join(violations, "\n")
	for _, want := range expected {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected violation %q in %v", want, violations)
		}
	}
}

func TestValidateStartToleranceAndFirstStart(t *testing.T) {
	timeline := buildTimeline(60, 60, 60)
	timeline.Segments[1].StartTimeSeconds = 60.005
	timeline.Segments[2].StartTimeSeconds = 120.005
	if _, err := NewValidator().Validate(encode(t, timeline)); err != nil {
		t.Fatalf("expected start within tolerance to pass, got %v", err)
	}

	drifted := buildTimeline(60, 60, 60)
	drifted.Segments[1].StartTimeSeconds = 60.05
	drifted.Segments[2].StartTimeSeconds = 120.05
	_, err := NewValidator().Validate(encode(t, drifted))
	if !strings.Contains(strings.Join(violationsOf(t, err), "\n"), "gap between seg_001 and seg_002") {
		t.Fatalf("expected contiguity violation, got %v", err)
	}

	shifted := buildTimeline(60, 60, 60)
	for i := range shifted.Segments {
		shifted.Segments[i].StartTimeSeconds += 1
	}
	_, err = NewValidator().Validate(encode(t, shifted))
	if !strings.Contains(strings.Join(violationsOf(t, err), "\n"), "segment 1 (seg_001): start_time should be 0") {
		t.Fatalf("expected first segment start violation, got %v", err)
	}
}

func TestValidateMissingFields(t *testing.T) {
	_, err := NewValidator().Validate([]byte(`{"title":"x","segments":[]}`))
	violations := violationsOf(t, err)
	if len(violations) != 3 {
		t.Fatalf("expected 3 missing fields, got %v", violations)
	}

	_, err = NewValidator().Validate([]byte(`not json`))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for garbage input, got %v", err)
	}
}

func TestValidateShortNarrationIsOnlyAWarning(t *testing.T) {
	timeline := buildTimeline(60, 60, 60)
	timeline.Segments[0].NarrationText = "too short to teach anything"

	result, err := NewValidator().Validate(encode(t, timeline))
	if err != nil {
		t.Fatalf("expected short narration to pass, got %v", err)
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "short") {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
}

func TestValidTimelinesAreContiguous(t *testing.T) {
	inputs := [][]float64{
		{60, 60, 60},
		{5.1, 100, 100},
		repeatDuration(20, 30),
		{33.3, 47.7, 90.25, 12.75, 119.9},
	}
	for _, durations := range inputs {
		result, err := NewValidator().Validate(encode(t, buildTimeline(durations...)))
		if err != nil {
			t.Fatalf("durations %v: %v", durations, err)
		}
		segments := result.Timeline.Segments
		sum := 0.0
		for i, segment := range segments {
			if segment.SegmentID != fmt.Sprintf("seg_%03d", i+1) {
				t.Fatalf("unexpected id %s at %d", segment.SegmentID, i)
			}
			if i > 0 && math.Abs(segments[i-1].EndTimeSeconds()-segment.StartTimeSeconds) > 0.01 {
				t.Fatalf("segments %d and %d are not contiguous", i, i+1)
			}
			sum += segment.DurationSeconds
		}
		if math.Abs(sum-result.Timeline.TotalDurationSeconds) > 0.5 {
			t.Fatalf("sum %f does not match declared %f", sum, result.Timeline.TotalDurationSeconds)
		}
	}
}
