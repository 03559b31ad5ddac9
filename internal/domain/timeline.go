package domain

// Timeline is the validated script produced by content generation. Later stages
// derive exclusively from it.
type Timeline struct {
	Version              string    `json:"version"`
	Title                string    `json:"title"`
	TopicSummary         string    `json:"topic_summary"`
	TargetAgeGroup       string    `json:"target_age_group"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	Segments             []Segment `json:"segments"`
}

type Segment struct {
	SegmentID        string  `json:"segment_id"`
	StartTimeSeconds float64 `json:"start_time_seconds"`
	DurationSeconds  float64 `json:"duration_seconds"`
	Slide            Slide   `json:"slide"`
	NarrationText    string  `json:"narration_text"`
}

type Slide struct {
	Title        string   `json:"title"`
	Bullets      []string `json:"bullets"`
	VisualPrompt string   `json:"visual_prompt"`
}

// EndTimeSeconds is the instant the segment hands over to the next one.
func (s Segment) EndTimeSeconds() float64 {
	return s.StartTimeSeconds + s.DurationSeconds
}

// SegmentIDs returns ids in timeline order.
func (t *Timeline) SegmentIDs() []string {
	ids := make([]string, 0, len(t.Segments))
	for _, segment := range t.Segments {
		ids = append(ids, segment.SegmentID)
	}
	return ids
}

// AudioClip is a synthesized narration file for one segment.
type AudioClip struct {
	SegmentID       string  `json:"segment_id"`
	Path            string  `json:"path"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// PDFContent is the text extracted from an uploaded curriculum document.
type PDFContent struct {
	Text      string
	Filename  string
	PageCount int
	WordCount int
}
