package handlers

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/http/middleware"
	"github.com/iago/aischool-back/internal/queue"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Jobs is the service surface the API exposes.
type Jobs interface {
	Create(ctx context.Context, filename string, content []byte) (*domain.Job, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobListFilter) ([]*domain.Job, int, error)
	Delete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) (*domain.Job, error)
	Resume(ctx context.Context, jobID string, stage domain.Stage) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (domain.JobStatus, error)
	RetryFailed(ctx context.Context) (int, error)
	Stats(ctx context.Context) (map[domain.JobStatus]int, error)
	Video(ctx context.Context, jobID string) (afero.File, os.FileInfo, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type QueueHealth interface {
	Health(ctx context.Context) queue.Status
}

type RendererHealth interface {
	Health(ctx context.Context) error
}

// HealthChecks are optional; nil members are reported as not configured.
type HealthChecks struct {
	Database Pinger
	Queue    QueueHealth
	Renderer RendererHealth
}

type API struct {
	jobs           Jobs
	health         HealthChecks
	maxUploadBytes int64
	idempotency    *idempotencyStore
	logger         *zap.SugaredLogger
}

func NewAPI(jobs Jobs, health HealthChecks, maxUploadBytes int64, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &API{
		jobs:           jobs,
		health:         health,
		maxUploadBytes: maxUploadBytes,
		idempotency:    newIdempotencyStore(time.Hour),
		logger:         logger,
	}
}

// RegisterRoutes mounts every endpoint on the engine.
func (api *API) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", api.Health)

	v1 := r.Group("/api")
	v1.GET("/stats", api.Stats)
	v1.POST("/retry-failed", api.RetryFailed)

	jobs := v1.Group("/jobs")
	jobs.POST("", api.CreateJob)
	jobs.GET("", api.ListJobs)
	jobs.GET("/:id", api.GetJob)
	jobs.DELETE("/:id", api.DeleteJob)
	jobs.GET("/:id/video", api.Video)
	jobs.POST("/:id/retry", api.RetryJob)
	jobs.POST("/:id/resume", api.ResumeJob)
	jobs.POST("/:id/cancel", api.CancelJob)
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeError(c *gin.Context, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(c)}
	payload.Error.Code = code
	payload.Error.Message = message
	c.AbortWithStatusJSON(statusCode, payload)
}

// writeServiceError maps domain markers onto HTTP statuses.
func (api *API) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInput), errors.Is(err, domain.ErrValidation):
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(c, http.StatusBadRequest, "invalid_state", err.Error())
	default:
		api.logger.Errorw("request failed",
			"request_id", middleware.GetRequestID(c),
			"path", c.FullPath(),
			"error", err,
		)
		writeError(c, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

type jobResponse struct {
	*domain.Job
	VideoURL string `json:"video_url,omitempty"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{Job: job}
	if job.Status == domain.JobStatusCompleted {
		response.VideoURL = "/api/jobs/" + job.ID + "/video"
	}
	return response
}

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
}

// idempotencyStore remembers which job an Idempotency-Key created so a
// re-sent upload does not start a second pipeline run.
type idempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Since(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for existing, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, existing)
		}
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		JobID:       jobID,
		CreatedAt:   now,
	}
}

func hashUpload(filename string, content []byte) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(filename))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write(content)
	return hasher.Sum64()
}
