package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const BackendRedis = "redis"

type StreamsConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
	// ClaimIdle is how long a delivered but unacknowledged message may sit before
	// another consumer reclaims it.
	ClaimIdle time.Duration
}

// StreamsQueue is the durable backend: a Redis Stream read through a consumer group.
// Messages stay pending until acknowledged, so a worker crash mid-job leads to redelivery.
type StreamsQueue struct {
	client    *redis.Client
	stream    string
	dlqStream string
	group     string
	consumer  string
	claimIdle time.Duration
	logger    *zap.SugaredLogger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger *zap.SugaredLogger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "aischool_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "aischool_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 15 * time.Minute
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:    client,
		stream:    cfg.Stream,
		dlqStream: cfg.DLQStream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		claimIdle: cfg.ClaimIdle,
		logger:    logger,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: messageValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: messageValues(message),
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

// Dequeue first reclaims a message abandoned by a dead consumer, then blocks on
// new entries for up to timeout.
func (q *StreamsQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(claimed) > 0 {
		if q.logger != nil {
			q.logger.Warnw("reclaimed stale queue message", "stream_id", claimed[0].ID)
		}
		return q.deliver(ctx, claimed[0])
	}

	block := timeout
	if block < 0 {
		block = 0
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoMessage
		}
		if isContextErr(err) {
			return nil, err
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, ErrNoMessage
	}
	return q.deliver(ctx, streams[0].Messages[0])
}

func (q *StreamsQueue) deliver(ctx context.Context, item redis.XMessage) (*Delivery, error) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		if q.logger != nil {
			q.logger.Errorw("malformed queue message moved to dlq", "stream_id", item.ID, "error", parseErr)
		}
		_ = q.sendToDLQ(ctx, item, parseErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return nil, ErrNoMessage
	}

	streamID := item.ID
	delivery := NewDelivery(message, func(ctx context.Context) error {
		return q.ackAndDelete(ctx, streamID)
	})
	return delivery.WithKeepAlive(q.keepAliveInterval(), func(ctx context.Context) error {
		return q.touch(ctx, streamID)
	}), nil
}

// touch re-claims the entry for this consumer, which resets its idle time so
// XAUTOCLAIM in other consumers leaves it alone while the job is running.
func (q *StreamsQueue) touch(ctx context.Context, streamID string) error {
	err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{streamID},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("xclaim %s: %w", streamID, err)
	}
	return nil
}

func (q *StreamsQueue) keepAliveInterval() time.Duration {
	interval := q.claimIdle / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

func (q *StreamsQueue) Size(ctx context.Context) (int64, error) {
	size, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return -1, fmt.Errorf("xlen: %w", err)
	}
	return size, nil
}

// Clear drops the stream together with its pending entries and recreates the group.
func (q *StreamsQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.stream).Err(); err != nil {
		return fmt.Errorf("clear stream: %w", err)
	}
	return q.ensureGroup(ctx)
}

func (q *StreamsQueue) Health(ctx context.Context) Status {
	status := Status{Backend: BackendRedis, Size: -1}
	if err := q.client.Ping(ctx).Err(); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Connected = true
	if size, err := q.Size(ctx); err == nil {
		status.Size = size
	}
	return status
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, item redis.XMessage, errorMessage string) error {
	values := map[string]any{
		"stream_id": item.ID,
		"error":     errorMessage,
		"moved_at":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	for key, value := range item.Values {
		values["orig_"+key] = value
	}
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func messageValues(message domain.QueueMessage) map[string]any {
	requestedAt := message.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	return map[string]any{
		"job_id":       message.JobID,
		"action":       string(message.Action),
		"from_stage":   string(message.FromStage),
		"attempt":      message.Attempt,
		"requested_at": requestedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	if strings.TrimSpace(jobID) == "" {
		return domain.QueueMessage{}, errors.New("empty job_id")
	}

	actionValue, err := getString("action")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	action := domain.Action(actionValue)
	if action != domain.ActionProcess && action != domain.ActionResume {
		return domain.QueueMessage{}, fmt.Errorf("invalid action %q", actionValue)
	}

	fromStage, _ := getString("from_stage")
	if action == domain.ActionResume && !domain.Stage(fromStage).Resumable() {
		return domain.QueueMessage{}, fmt.Errorf("invalid from_stage %q", fromStage)
	}

	attempt := 0
	if attemptString, err := getString("attempt"); err == nil {
		attempt, err = strconv.Atoi(attemptString)
		if err != nil {
			return domain.QueueMessage{}, fmt.Errorf("invalid attempt: %w", err)
		}
	}

	var requestedAt time.Time
	if requestedAtString, err := getString("requested_at"); err == nil {
		requestedAt, err = time.Parse(time.RFC3339Nano, requestedAtString)
		if err != nil {
			return domain.QueueMessage{}, fmt.Errorf("invalid requested_at: %w", err)
		}
	}

	return domain.QueueMessage{
		JobID:       jobID,
		Action:      action,
		FromStage:   domain.Stage(fromStage),
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
