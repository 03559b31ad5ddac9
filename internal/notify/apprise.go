package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iago/aischool-back/internal/domain"
	"go.uber.org/zap"
)

type AppriseConfig struct {
	BaseURL string
	Key     string
	Tag     string
}

func (c AppriseConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// AppriseClient posts messages to an Apprise API server.
type AppriseClient struct {
	cfg    AppriseConfig
	client *resty.Client
}

func NewAppriseClient(cfg AppriseConfig) *AppriseClient {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &AppriseClient{cfg: cfg, client: client}
}

type notifyRequest struct {
	Body  string `json:"body"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"` // info, success, warning, failure
	Tag   string `json:"tag,omitempty"`
}

func (c *AppriseClient) Notify(ctx context.Context, title, body, notifyType string) error {
	if !c.cfg.Enabled() {
		return nil
	}

	tag := c.cfg.Tag
	if tag == "" {
		tag = "all"
	}

	url := fmt.Sprintf("%s/notify/%s", strings.TrimSuffix(c.cfg.BaseURL, "/"), c.cfg.Key)
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(notifyRequest{Title: title, Body: body, Type: notifyType, Tag: tag}).
		Post(url)
	if err != nil {
		return fmt.Errorf("apprise request: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("apprise error: %s", resp.String())
	}
	return nil
}

// JobNotifier announces finished jobs. Delivery problems are logged and never
// surface to the pipeline.
type JobNotifier struct {
	client *AppriseClient
	logger *zap.SugaredLogger
}

func NewJobNotifier(client *AppriseClient, logger *zap.SugaredLogger) *JobNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &JobNotifier{client: client, logger: logger}
}

func (n *JobNotifier) JobFinished(ctx context.Context, job *domain.Job) {
	if n == nil || n.client == nil || job == nil {
		return
	}

	var title, body, kind string
	switch job.Status {
	case domain.JobStatusCompleted:
		title = "Video ready"
		body = fmt.Sprintf("%s finished", job.OriginalFilename)
		if job.VideoDurationSeconds != nil {
			body += fmt.Sprintf(" (%.0fs video)", *job.VideoDurationSeconds)
		}
		kind = "success"
	case domain.JobStatusFailed:
		title = "Video generation failed"
		stage := "unknown"
		if job.ErrorStage != nil {
			stage = string(*job.ErrorStage)
		}
		body = fmt.Sprintf("%s failed at %s: %s", job.OriginalFilename, stage, job.ErrorMessage)
		kind = "failure"
	case domain.JobStatusCancelled:
		title = "Video generation cancelled"
		body = fmt.Sprintf("%s was cancelled", job.OriginalFilename)
		kind = "warning"
	default:
		return
	}
	body += "\njob " + job.ID

	if err := n.client.Notify(ctx, title, body, kind); err != nil {
		n.logger.Warnw("notification not delivered", "job_id", job.ID, "error", err)
		return
	}
	n.logger.Debugw("notification sent", "job_id", job.ID, "type", kind)
}
