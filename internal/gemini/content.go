package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/retry"
	"go.uber.org/zap"
)

const DefaultContentModel = "gemini-3-flash-preview"

type ContentConfig struct {
	Model          string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// ContentGenerator asks the model for a raw timeline document. It does not
// validate the result; the caller owns that decision.
type ContentGenerator struct {
	client *Client
	model  string
	policy retry.Policy
	logger *zap.SugaredLogger
}

func NewContentGenerator(client *Client, config ContentConfig, logger *zap.SugaredLogger) *ContentGenerator {
	if strings.TrimSpace(config.Model) == "" {
		config.Model = DefaultContentModel
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	policy.BaseDelay = config.RetryBaseDelay
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warnw("retrying timeline generation", "attempt", attempt, "delay", delay, "error", err)
	}

	return &ContentGenerator{
		client: client,
		model:  config.Model,
		policy: policy,
		logger: logger,
	}
}

func (g *ContentGenerator) Generate(ctx context.Context, jobID string, pdf *domain.PDFContent) (json.RawMessage, error) {
	request := generateRequest{
		Contents: userPrompt(timelinePrompt(pdf.Text, pdf.Filename)),
		GenerationConfig: generationConfig{
			Temperature:      0.7,
			TopP:             0.95,
			MaxOutputTokens:  8192,
			ResponseMimeType: "application/json",
		},
	}

	g.logger.Infow("generating timeline", "job_id", jobID, "file", pdf.Filename, "words", pdf.WordCount)
	raw, err := retry.Do(ctx, g.policy, func(ctx context.Context) (json.RawMessage, error) {
		response, err := g.client.generate(ctx, g.model, request)
		if err != nil {
			return nil, err
		}
		text := stripCodeFence(response.text())
		if text == "" {
			return nil, fmt.Errorf("%w: empty response from gemini", domain.ErrTransient)
		}
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("%w: invalid JSON response from gemini", domain.ErrTransient)
		}
		return json.RawMessage(text), nil
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", domain.Permanent(err))
	}
	return raw, nil
}

// stripCodeFence removes a ```json fence some model versions add despite the mime type.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
