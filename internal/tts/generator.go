package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type AudioSaver interface {
	SaveAudio(jobID, segmentID string, content []byte) (string, error)
}

type GeneratorConfig struct {
	Fanout         int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Generator narrates every segment of a timeline. Unlike slide images there is
// no placeholder: one segment that keeps failing fails the whole batch.
type Generator struct {
	synth  Synthesizer
	store  AudioSaver
	fanout int
	policy retry.Policy
	logger *zap.SugaredLogger
}

func NewGenerator(synth Synthesizer, store AudioSaver, config GeneratorConfig, logger *zap.SugaredLogger) *Generator {
	if config.Fanout <= 0 {
		config.Fanout = 4
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = config.MaxRetries
	policy.BaseDelay = config.RetryBaseDelay

	return &Generator{
		synth:  synth,
		store:  store,
		fanout: config.Fanout,
		policy: policy,
		logger: logger,
	}
}

// GenerateBatch returns one clip per segment in timeline order, whatever order
// the calls completed in.
func (g *Generator) GenerateBatch(ctx context.Context, jobID string, segments []domain.Segment) ([]domain.AudioClip, error) {
	clips := make([]domain.AudioClip, len(segments))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.fanout)
	for i, segment := range segments {
		group.Go(func() error {
			clip, err := g.generateOne(groupCtx, jobID, segment)
			if err != nil {
				return err
			}
			clips[i] = clip
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	g.logger.Infow("synthesized narration", "job_id", jobID, "count", len(clips))
	return clips, nil
}

func (g *Generator) generateOne(ctx context.Context, jobID string, segment domain.Segment) (domain.AudioClip, error) {
	text := strings.TrimSpace(segment.NarrationText)
	if text == "" {
		return domain.AudioClip{}, domain.Wrap(domain.ErrInput, domain.StageTTS, "synthesize", segment.SegmentID+" has no narration", nil)
	}

	policy := g.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.logger.Warnw("retrying narration", "job_id", jobID, "segment_id", segment.SegmentID, "attempt", attempt, "delay", delay, "error", err)
	}
	audio, err := retry.Do(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return g.synth.Synthesize(ctx, text)
	})
	if err != nil {
		return domain.AudioClip{}, fmt.Errorf("tts failed for %s: %w", segment.SegmentID, domain.Permanent(err))
	}

	path, err := g.store.SaveAudio(jobID, segment.SegmentID, audio)
	if err != nil {
		return domain.AudioClip{}, err
	}
	return domain.AudioClip{
		SegmentID:       segment.SegmentID,
		Path:            path,
		DurationSeconds: MP3Duration(audio),
	}, nil
}
