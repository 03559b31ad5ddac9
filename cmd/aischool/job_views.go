package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

var (
	jobListHeaders = []string{"ID", "Status", "Stage", "Progress", "File", "Retries", "Updated"}
	jobListAligns  = []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft}
)

const timeLayout = "2006-01-02 15:04:05"

func jobListRows(jobs []*domain.Job) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			string(job.Status),
			stageLabel(job),
			fmt.Sprintf("%d%%", job.StageProgress),
			truncate(job.OriginalFilename, 32),
			strconv.Itoa(job.RetryCount),
			job.UpdatedAt.Local().Format(timeLayout),
		})
	}
	return rows
}

func jobDetailRows(job *domain.Job) [][]string {
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"Stage", stageLabel(job)},
		{"Progress", fmt.Sprintf("%d%%", job.StageProgress)},
		{"File", job.OriginalFilename},
		{"Retries", strconv.Itoa(job.RetryCount)},
		{"Created", job.CreatedAt.Local().Format(timeLayout)},
		{"Updated", job.UpdatedAt.Local().Format(timeLayout)},
	}
	if job.CancelRequested {
		rows = append(rows, []string{"Cancel requested", "yes"})
	}
	if job.CompletedAt != nil {
		rows = append(rows, []string{"Completed", job.CompletedAt.Local().Format(timeLayout)})
	}
	if job.SlideCount != nil {
		rows = append(rows, []string{"Slides", strconv.Itoa(*job.SlideCount)})
	}
	if job.VideoDurationSeconds != nil {
		rows = append(rows, []string{"Video length", formatSeconds(*job.VideoDurationSeconds)})
	}
	if job.VideoPath != "" {
		rows = append(rows, []string{"Video", job.VideoPath})
	}
	for _, stage := range domain.Stages {
		if seconds, ok := job.StageDurations[stage]; ok {
			rows = append(rows, []string{"Took (" + string(stage) + ")", formatSeconds(seconds)})
		}
	}
	if job.ErrorMessage != "" {
		label := "Error"
		if job.ErrorStage != nil {
			label = "Error (" + string(*job.ErrorStage) + ")"
		}
		rows = append(rows, []string{label, job.ErrorMessage})
	}
	return rows
}

func stageLabel(job *domain.Job) string {
	switch {
	case job.CurrentStage != nil:
		return string(*job.CurrentStage)
	case job.Status == domain.JobStatusFailed && job.ErrorStage != nil:
		return string(*job.ErrorStage)
	default:
		return "-"
	}
}

func formatSeconds(seconds float64) string {
	return (time.Duration(seconds * float64(time.Second))).Round(100 * time.Millisecond).String()
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-1]) + "…"
}
