package queue

import (
	"context"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

const BackendMemory = "memory"

// LocalQueue is the volatile FIFO used when Redis is not configured or unreachable.
// Messages live only as long as the process.
type LocalQueue struct {
	ch chan domain.QueueMessage
}

func NewLocalQueue(capacity int) *LocalQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LocalQueue{
		ch: make(chan domain.QueueMessage, capacity),
	}
}

// Enqueue never blocks; a full buffer is reported as ErrQueueFull.
func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timerCh:
		return nil, ErrNoMessage
	case message := <-q.ch:
		return &Delivery{Message: message}, nil
	}
}

func (q *LocalQueue) Size(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *LocalQueue) Clear(context.Context) error {
	for {
		select {
		case <-q.ch:
		default:
			return nil
		}
	}
}

func (q *LocalQueue) Health(context.Context) Status {
	return Status{Backend: BackendMemory, Connected: true, Size: int64(len(q.ch))}
}
