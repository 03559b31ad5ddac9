package gemini

import (
	"fmt"
	"strings"
)

func timelinePrompt(pdfText, filename string) string {
	var b strings.Builder
	b.WriteString("You design teacher training videos from school curriculum material.\n\n")
	fmt.Fprintf(&b, "Source document: %s\n\nContent:\n%s\n\n---\n\n", filename, pdfText)
	b.WriteString(`Produce a video timeline that trains teachers to teach this chapter.

Structure:
- 300 to 600 seconds in total, 5 to 12 segments of 30 to 90 seconds each.
- One teaching concept or technique per segment.
- Each segment has a slide title, 2 to 4 bullets, a narration script of 50 to 300 words and a visual prompt for a clean slide background.
- Focus on how to teach: strategies for the age group, real world analogies, common misconceptions and classroom engagement.
- Slide visuals are minimal educational diagrams, never decorative art or text.

Answer with JSON only, shaped like this:
{
  "version": "1.0",
  "title": "Teacher Training: <topic>",
  "topic_summary": "<what teachers will learn>",
  "target_age_group": "<student age range>",
  "total_duration_seconds": <sum of segment durations>,
  "segments": [
    {
      "segment_id": "seg_001",
      "start_time_seconds": 0,
      "duration_seconds": <seconds>,
      "slide": {"title": "<title>", "bullets": ["<point>"], "visual_prompt": "<description>"},
      "narration_text": "<script>"
    }
  ]
}

Rules:
- segment ids are sequential: seg_001, seg_002 and so on.
- start_time_seconds of a segment is the sum of every earlier duration, with no gaps or overlaps.
- Every field is required and non-empty.`)
	return b.String()
}

func slideImagePrompt(title, visualPrompt string) string {
	return fmt.Sprintf(`Create a slide background image for a teacher training presentation.

Slide title: %s
Visual concept: %s

Style:
- clean, minimalist and professional
- soft muted colors that stay readable under a text overlay
- no words, letters or realistic faces in the image
- simple diagrams or abstract shapes, center area mostly clear
- 16:9 landscape, 1920x1080`, title, visualPrompt)
}
