package render

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iago/aischool-back/internal/domain"
	"go.uber.org/zap"
)

const DefaultServiceURL = "http://localhost:3000"

type RemotionConfig struct {
	URL     string
	Timeout time.Duration
}

// RemotionClient drives the Remotion render service. Rendering is the slowest
// collaborator so its timeout is the longest one in the process.
type RemotionClient struct {
	http   *resty.Client
	health *resty.Client
}

type renderResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewRemotionClient(config RemotionConfig) *RemotionClient {
	if strings.TrimSpace(config.URL) == "" {
		config.URL = DefaultServiceURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 600 * time.Second
	}
	base := strings.TrimSuffix(config.URL, "/")

	return &RemotionClient{
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(config.Timeout).
			SetHeader("Content-Type", "application/json"),
		health: resty.New().
			SetBaseURL(base).
			SetTimeout(5 * time.Second),
	}
}

func (c *RemotionClient) Render(ctx context.Context, manifest Manifest) error {
	var result renderResponse
	response, err := c.http.R().
		SetContext(ctx).
		SetBody(manifest).
		SetResult(&result).
		SetError(&result).
		Post("/render")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.Wrap(domain.ErrRender, domain.StageRender, "remotion", "request failed", err)
	}
	if response.IsError() {
		message := result.Error
		if message == "" {
			message = strings.TrimSpace(response.String())
		}
		return domain.Wrap(domain.ErrRender, domain.StageRender, "remotion", fmt.Sprintf("status %d: %s", response.StatusCode(), message), nil)
	}
	if !result.Success {
		message := result.Error
		if message == "" {
			message = "unknown error"
		}
		return domain.Wrap(domain.ErrRender, domain.StageRender, "remotion", message, nil)
	}
	return nil
}

func (c *RemotionClient) Health(ctx context.Context) error {
	response, err := c.health.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("remotion health: %w", err)
	}
	if response.IsError() {
		return fmt.Errorf("remotion health: status %d", response.StatusCode())
	}
	return nil
}

type Client interface {
	Render(ctx context.Context, manifest Manifest) error
}

// VideoTarget is the slice of the artifact store the renderer writes through.
type VideoTarget interface {
	PrepareVideo(jobID string) (string, error)
	VideoPath(jobID string) string
	AbsPath(rel string) string
}

type Result struct {
	VideoPath       string
	DurationSeconds float64
}

// Renderer assembles the manifest for a job and hands it to the render service.
type Renderer struct {
	client   Client
	target   VideoTarget
	settings Settings
	logger   *zap.SugaredLogger
}

func NewRenderer(client Client, target VideoTarget, settings Settings, logger *zap.SugaredLogger) *Renderer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Renderer{client: client, target: target, settings: settings.withDefaults(), logger: logger}
}

func (r *Renderer) Render(ctx context.Context, jobID string, timeline *domain.Timeline, clips []domain.AudioClip, images map[string]string) (Result, error) {
	output, err := r.target.PrepareVideo(jobID)
	if err != nil {
		return Result{}, err
	}
	manifest, err := BuildManifest(jobID, output, timeline, clips, images, r.target.AbsPath, r.settings)
	if err != nil {
		return Result{}, err
	}

	r.logger.Infow("rendering video",
		"job_id", jobID,
		"segments", len(manifest.Segments),
		"duration", manifest.TotalDurationSeconds,
	)
	if err := r.client.Render(ctx, manifest); err != nil {
		return Result{}, err
	}
	return Result{VideoPath: r.target.VideoPath(jobID), DurationSeconds: manifest.TotalDurationSeconds}, nil
}
