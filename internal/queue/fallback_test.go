package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

type brokenQueue struct {
	mu       sync.Mutex
	err      error
	enqueues int
}

func (q *brokenQueue) Enqueue(context.Context, domain.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues++
	return q.err
}

func (q *brokenQueue) Dequeue(context.Context, time.Duration) (*Delivery, error) {
	return nil, q.err
}

func (q *brokenQueue) Size(context.Context) (int64, error) { return -1, q.err }
func (q *brokenQueue) Clear(context.Context) error         { return q.err }

func (q *brokenQueue) Health(context.Context) Status {
	return Status{Backend: BackendRedis, Size: -1, Error: q.err.Error()}
}

func (q *brokenQueue) calls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueues
}

func TestFallbackQueueDegradesOnFirstFailure(t *testing.T) {
	primary := &brokenQueue{err: errors.New("connection refused")}
	secondary := NewLocalQueue(8)
	q := NewFallbackQueue(primary, secondary, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "a", Action: domain.ActionProcess}); err != nil {
		t.Fatalf("enqueue should succeed via fallback, got %v", err)
	}
	if !q.Degraded() {
		t.Fatal("expected queue to be degraded")
	}

	// sticky: the primary is not consulted again
	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "b", Action: domain.ActionProcess}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if primary.calls() != 1 {
		t.Fatalf("expected primary to be tried once, got %d", primary.calls())
	}

	status := q.Health(ctx)
	if status.Backend != BackendMemory || !status.Degraded || status.Size != 2 {
		t.Fatalf("unexpected health %+v", status)
	}

	delivery, err := q.Dequeue(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if delivery.Message.JobID != "a" {
		t.Fatalf("expected job a, got %s", delivery.Message.JobID)
	}
}

func TestFallbackQueueHealthyPrimary(t *testing.T) {
	primary := NewLocalQueue(4)
	secondary := NewLocalQueue(4)
	q := NewFallbackQueue(primary, secondary, nil)
	ctx := context.Background()

	if err := q.EnqueueBatch(ctx, []domain.QueueMessage{{JobID: "a"}, {JobID: "b"}}); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}
	if q.Degraded() {
		t.Fatal("healthy primary must not degrade")
	}
	if size, _ := primary.Size(ctx); size != 2 {
		t.Fatalf("expected messages on primary, got %d", size)
	}
	if size, _ := secondary.Size(ctx); size != 0 {
		t.Fatalf("expected empty secondary, got %d", size)
	}

	if _, err := q.Dequeue(ctx, time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Millisecond); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if _, err := q.Dequeue(ctx, time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage, got %v", err)
	}
	if q.Degraded() {
		t.Fatal("an empty primary is not a failure")
	}
}

func TestFallbackQueueContextErrorDoesNotDegrade(t *testing.T) {
	primary := &brokenQueue{err: context.DeadlineExceeded}
	q := NewFallbackQueue(primary, NewLocalQueue(1), nil)

	err := q.Enqueue(context.Background(), domain.QueueMessage{JobID: "a"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error to surface, got %v", err)
	}
	if q.Degraded() {
		t.Fatal("context errors must not trigger degradation")
	}
}
