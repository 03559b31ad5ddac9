package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iago/aischool-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newTestStreamsQueue(t *testing.T) *StreamsQueue {
	t.Helper()
	return newTestStreamsConsumer(t, StreamsConfig{Stream: "aischool_test_" + uuid.NewString()[:8], ClaimIdle: time.Minute})
}

func newTestStreamsConsumer(t *testing.T, cfg StreamsConfig) *StreamsQueue {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	cfg.Addr = addr
	q, err := NewStreamsQueue(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	t.Cleanup(func() {
		_ = q.client.Del(context.Background(), q.stream, q.dlqStream).Err()
		_ = q.Close()
	})
	return q
}

func TestStreamsQueueRoundTrip(t *testing.T) {
	q := newTestStreamsQueue(t)
	ctx := context.Background()

	message := domain.QueueMessage{
		JobID:       "job-1",
		Action:      domain.ActionResume,
		FromStage:   domain.StageImages,
		Attempt:     2,
		RequestedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := q.Enqueue(ctx, message); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if size, err := q.Size(ctx); err != nil || size != 1 {
		t.Fatalf("expected size 1, got %d (%v)", size, err)
	}

	delivery, err := q.Dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	got := delivery.Message
	if got.JobID != message.JobID || got.Action != message.Action || got.FromStage != message.FromStage || got.Attempt != 2 {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.RequestedAt.Equal(message.RequestedAt) {
		t.Fatalf("requested_at mismatch: %v != %v", got.RequestedAt, message.RequestedAt)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if _, err := q.Dequeue(ctx, 50*time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
}

func TestStreamsKeepAliveStopsReclaimOfRunningMessage(t *testing.T) {
	stream := "aischool_test_" + uuid.NewString()[:8]
	first := newTestStreamsConsumer(t, StreamsConfig{Stream: stream, Consumer: "a", ClaimIdle: 600 * time.Millisecond})
	second := newTestStreamsConsumer(t, StreamsConfig{Stream: stream, Consumer: "b", ClaimIdle: 600 * time.Millisecond})
	ctx := context.Background()

	if err := first.Enqueue(ctx, domain.QueueMessage{JobID: "job-long", Action: domain.ActionProcess}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	delivery, err := first.Dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		delivery.KeepAlive(keepCtx, func(err error) { t.Errorf("keep alive: %v", err) })
	}()

	time.Sleep(time.Second)
	if _, err := second.Dequeue(ctx, 10*time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("running message must not be reclaimed, got %v", err)
	}

	stop()
	<-done
	time.Sleep(800 * time.Millisecond)
	reclaimed, err := second.Dequeue(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("abandoned message should be reclaimed: %v", err)
	}
	if reclaimed.Message.JobID != "job-long" {
		t.Fatalf("unexpected message %+v", reclaimed.Message)
	}
}

func TestStreamsQueueMalformedGoesToDLQ(t *testing.T) {
	q := newTestStreamsQueue(t)
	ctx := context.Background()

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job_id": "job-2", "action": "explode"},
	}).Err(); err != nil {
		t.Fatalf("raw xadd: %v", err)
	}

	if _, err := q.Dequeue(ctx, 100*time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected malformed entry to be skipped, got %v", err)
	}
	dlqSize, err := q.client.XLen(ctx, q.dlqStream).Result()
	if err != nil || dlqSize != 1 {
		t.Fatalf("expected one dlq entry, got %d (%v)", dlqSize, err)
	}
}

func TestParseStreamMessageRejectsResumeWithoutStage(t *testing.T) {
	_, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"job_id": "job-1",
		"action": "resume",
	}})
	if err == nil {
		t.Fatal("expected resume without from_stage to be rejected")
	}

	message, err := parseStreamMessage(redis.XMessage{ID: "1-1", Values: map[string]any{
		"job_id":     "job-1",
		"action":     "process",
		"from_stage": "",
		"attempt":    "0",
	}})
	if err != nil {
		t.Fatalf("parse process message: %v", err)
	}
	if message.Action != domain.ActionProcess {
		t.Fatalf("unexpected action %q", message.Action)
	}
}
