package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/iago/aischool-back/internal/domain"
)

// multipart framing on top of the file itself
const uploadOverheadBytes = 1 << 20

func (api *API) CreateJob(c *gin.Context) {
	if api.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, api.maxUploadBytes+uploadOverheadBytes)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge, "file_too_large",
				fmt.Sprintf("file too large: maximum is %d MB", api.maxUploadBytes/(1024*1024)))
			return
		}
		writeError(c, http.StatusBadRequest, "invalid_request", "multipart field \"file\" is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "could not read uploaded file")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "could not read uploaded file")
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	hash := hashUpload(header.Filename, content)
	if key != "" {
		if entry, ok := api.idempotency.Get(key); ok {
			if entry.PayloadHash != hash {
				writeError(c, http.StatusConflict, "idempotency_conflict", "Idempotency-Key was already used with a different upload")
				return
			}
			job, err := api.jobs.Get(c.Request.Context(), entry.JobID)
			if err != nil {
				api.writeServiceError(c, err)
				return
			}
			c.JSON(http.StatusOK, newJobResponse(job))
			return
		}
	}

	job, err := api.jobs.Create(c.Request.Context(), header.Filename, content)
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	if key != "" {
		api.idempotency.Put(key, hash, job.ID)
	}
	c.JSON(http.StatusCreated, newJobResponse(job))
}

func (api *API) ListJobs(c *gin.Context) {
	filter := domain.JobListFilter{Status: domain.JobStatus(strings.TrimSpace(c.Query("status")))}
	var err error
	if filter.Page, err = optionalInt(c.Query("page")); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "page must be an integer")
		return
	}
	if filter.PageSize, err = optionalInt(c.Query("page_size")); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "page_size must be an integer")
		return
	}
	filter = filter.Normalize()

	jobs, total, err := api.jobs.List(c.Request.Context(), filter)
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{
		"jobs":      items,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (api *API) GetJob(c *gin.Context) {
	job, err := api.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (api *API) DeleteJob(c *gin.Context) {
	if err := api.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		api.writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (api *API) RetryJob(c *gin.Context) {
	job, err := api.jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newJobResponse(job))
}

type resumeRequest struct {
	FromStage string `json:"from_stage"`
}

func (api *API) ResumeJob(c *gin.Context) {
	var request resumeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	stage, ok := domain.ParseStage(strings.TrimSpace(request.FromStage))
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid_request", "from_stage must be one of images, tts or render")
		return
	}

	job, err := api.jobs.Resume(c.Request.Context(), c.Param("id"), stage)
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newJobResponse(job))
}

func (api *API) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	status, err := api.jobs.Cancel(c.Request.Context(), jobID)
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	message := "job cancelled"
	if status == domain.JobStatusProcessing {
		message = "cancellation requested; the job stops after its current stage"
	}
	c.JSON(http.StatusAccepted, gin.H{"id": jobID, "status": status, "message": message})
}

func (api *API) RetryFailed(c *gin.Context) {
	count, err := api.jobs.RetryFailed(c.Request.Context())
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requeued": count})
}

func (api *API) Stats(c *gin.Context) {
	counts, err := api.jobs.Stats(c.Request.Context())
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	total := 0
	for _, count := range counts {
		total += count
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_status": counts})
}

func (api *API) Video(c *gin.Context) {
	jobID := c.Param("id")
	file, info, err := api.jobs.Video(c.Request.Context(), jobID)
	if err != nil {
		api.writeServiceError(c, err)
		return
	}
	defer file.Close()

	name := jobID + ".mp4"
	c.Header("Content-Type", "video/mp4")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	http.ServeContent(c.Writer, c.Request, name, info.ModTime(), file)
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
