package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"go.uber.org/zap"
)

// FallbackQueue prefers a durable primary backend and switches to the in-process
// secondary the first time the primary fails. The switch is sticky for the life of
// the process and messages already buffered in the primary are not migrated.
type FallbackQueue struct {
	primary   Queue
	secondary Queue
	logger    *zap.SugaredLogger
	degraded  atomic.Bool
}

func NewFallbackQueue(primary, secondary Queue, logger *zap.SugaredLogger) *FallbackQueue {
	return &FallbackQueue{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
}

func (q *FallbackQueue) Degraded() bool {
	return q.degraded.Load()
}

func (q *FallbackQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if !q.degraded.Load() {
		err := q.primary.Enqueue(ctx, message)
		if err == nil {
			return nil
		}
		if isContextErr(err) {
			return err
		}
		q.degrade("enqueue", err)
	}
	return q.secondary.Enqueue(ctx, message)
}

func (q *FallbackQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if !q.degraded.Load() {
		err := enqueueAll(ctx, q.primary, messages)
		if err == nil {
			return nil
		}
		if isContextErr(err) {
			return err
		}
		q.degrade("enqueue batch", err)
	}
	return enqueueAll(ctx, q.secondary, messages)
}

func (q *FallbackQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if !q.degraded.Load() {
		delivery, err := q.primary.Dequeue(ctx, timeout)
		if err == nil || errors.Is(err, ErrNoMessage) || isContextErr(err) {
			return delivery, err
		}
		q.degrade("dequeue", err)
	}
	return q.secondary.Dequeue(ctx, timeout)
}

func (q *FallbackQueue) Size(ctx context.Context) (int64, error) {
	return q.active().Size(ctx)
}

func (q *FallbackQueue) Clear(ctx context.Context) error {
	return q.active().Clear(ctx)
}

func (q *FallbackQueue) Health(ctx context.Context) Status {
	status := q.active().Health(ctx)
	status.Degraded = q.degraded.Load()
	return status
}

func (q *FallbackQueue) active() Queue {
	if q.degraded.Load() {
		return q.secondary
	}
	return q.primary
}

func (q *FallbackQueue) degrade(operation string, err error) {
	if q.degraded.CompareAndSwap(false, true) && q.logger != nil {
		q.logger.Warnw("durable queue unavailable, degrading to in-memory queue",
			"operation", operation,
			"error", err,
		)
	}
}

func enqueueAll(ctx context.Context, target Queue, messages []domain.QueueMessage) error {
	if writer, ok := target.(batchCapableProducer); ok {
		return writer.EnqueueBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := target.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}
