package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultImageModel = "gemini-2.5-flash-image"

// PlaceholderPNG is a 1x1 image saved for a segment whose slide could not be generated.
var PlaceholderPNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00\x90wS\xde\x00\x00\x00\x0cIDATx\x9cc\xf8\xcf\xc0\x00\x00\x00\x03\x00\x01\x00\x05\xfe\xd4\x00\x00\x00\x00IEND\xaeB`\x82")

type ImageSaver interface {
	SaveImage(jobID, segmentID string, content []byte) (string, error)
}

type ImageConfig struct {
	Model          string
	Fanout         int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// ImageGenerator renders one slide background per segment. A segment that keeps
// failing gets PlaceholderPNG; only storage failures fail the batch.
type ImageGenerator struct {
	client *Client
	store  ImageSaver
	model  string
	fanout int
	policy retry.Policy
	logger *zap.SugaredLogger
}

func NewImageGenerator(client *Client, store ImageSaver, config ImageConfig, logger *zap.SugaredLogger) *ImageGenerator {
	if strings.TrimSpace(config.Model) == "" {
		config.Model = DefaultImageModel
	}
	if config.Fanout <= 0 {
		config.Fanout = 4
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

	return &ImageGenerator{
		client: client,
		store:  store,
		model:  config.Model,
		fanout: config.Fanout,
		policy: policy,
		logger: logger,
	}
}

func (g *ImageGenerator) GenerateBatch(ctx context.Context, jobID string, segments []domain.Segment) (map[string]string, error) {
	var (
		mu    sync.Mutex
		paths = make(map[string]string, len(segments))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.fanout)
	for _, segment := range segments {
		group.Go(func() error {
			image := g.generateOne(groupCtx, jobID, segment)
			path, err := g.store.SaveImage(jobID, segment.SegmentID, image)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[segment.SegmentID] = path
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.logger.Infow("generated slide images", "job_id", jobID, "count", len(paths))
	return paths, nil
}

// generateOne never fails; exhausted retries or an answer without an image fall
// back to the placeholder.
func (g *ImageGenerator) generateOne(ctx context.Context, jobID string, segment domain.Segment) []byte {
	request := generateRequest{
		Contents: userPrompt(slideImagePrompt(segment.Slide.Title, segment.Slide.VisualPrompt)),
		GenerationConfig: generationConfig{
			Temperature:        0.4,
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}

	image, err := retry.Do(ctx, g.policy, func(ctx context.Context) ([]byte, error) {
		response, err := g.client.generate(ctx, g.model, request)
		if err != nil {
			return nil, err
		}
		return firstImage(response)
	})
	if err != nil {
		g.logger.Warnw("slide image unavailable, using placeholder",
			"job_id", jobID,
			"segment_id", segment.SegmentID,
			"error", err,
		)
		return PlaceholderPNG
	}
	return image
}

func firstImage(response *generateResponse) ([]byte, error) {
	for _, p := range response.parts() {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "image/") {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode inline image: %w", err)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("no image in gemini response")
}
