package queue

import (
	"context"
	"errors"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

var (
	ErrNoMessage = errors.New("no message available")
	ErrQueueFull = errors.New("queue is full")
)

// Producer sends job messages to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Queue is the closed set of operations every backend provides.
type Queue interface {
	Producer
	// Dequeue blocks up to timeout (forever when timeout <= 0) and returns
	// ErrNoMessage when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Size(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Health(ctx context.Context) Status
}

type batchCapableProducer interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

// Delivery is a dequeued message. Backends with at-least-once semantics keep the
// message pending until Ack.
type Delivery struct {
	Message domain.QueueMessage
	ack     func(ctx context.Context) error

	touch      func(ctx context.Context) error
	touchEvery time.Duration
}

// NewDelivery wraps a message with the acknowledgement callback of its backend.
func NewDelivery(message domain.QueueMessage, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Message: message, ack: ack}
}

// WithKeepAlive makes KeepAlive call touch every interval. Backends that reclaim
// idle messages use it so a long job keeps its claim.
func (d *Delivery) WithKeepAlive(interval time.Duration, touch func(ctx context.Context) error) *Delivery {
	d.touch = touch
	d.touchEvery = interval
	return d
}

// KeepAlive refreshes the claim on the message until ctx is done. It returns at
// once for backends that never reclaim.
func (d *Delivery) KeepAlive(ctx context.Context, onError func(error)) {
	if d == nil || d.touch == nil || d.touchEvery <= 0 {
		return
	}
	ticker := time.NewTicker(d.touchEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := d.touch(ctx); err != nil && ctx.Err() == nil && onError != nil {
				onError(err)
			}
		}
	}
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Status is an observability snapshot; nothing depends on it for correctness.
type Status struct {
	Backend   string `json:"backend"`
	Connected bool   `json:"connected"`
	Degraded  bool   `json:"degraded"`
	Size      int64  `json:"size"`
	Error     string `json:"error,omitempty"`
}
