package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

func TestLocalQueueFIFO(t *testing.T) {
	q := NewLocalQueue(4)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, domain.QueueMessage{JobID: id, Action: domain.ActionProcess}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if size, _ := q.Size(ctx); size != 3 {
		t.Fatalf("expected size 3, got %d", size)
	}

	for _, want := range []string{"a", "b", "c"} {
		delivery, err := q.Dequeue(ctx, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if delivery.Message.JobID != want {
			t.Fatalf("expected %s, got %s", want, delivery.Message.JobID)
		}
		if err := delivery.Ack(ctx); err != nil {
			t.Fatalf("ack on local delivery should be a no-op, got %v", err)
		}
	}
}

func TestLocalQueueTimeoutAndFull(t *testing.T) {
	q := NewLocalQueue(1)
	ctx := context.Background()

	if _, err := q.Dequeue(ctx, 5*time.Millisecond); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("expected ErrNoMessage on empty queue, got %v", err)
	}

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestLocalQueueClearAndHealth(t *testing.T) {
	q := NewLocalQueue(8)
	ctx := context.Background()
	_ = q.EnqueueBatch(ctx, []domain.QueueMessage{{JobID: "a"}, {JobID: "b"}})

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	status := q.Health(ctx)
	if status.Backend != BackendMemory || !status.Connected || status.Size != 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestLocalQueueDequeueHonoursContext(t *testing.T) {
	q := NewLocalQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := q.Dequeue(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenWithoutRedisUsesLocalQueue(t *testing.T) {
	backend := Open(context.Background(), OpenConfig{LocalCapacity: 2}, nil)
	defer backend.Close()

	if status := backend.Health(context.Background()); status.Backend != BackendMemory {
		t.Fatalf("expected memory backend, got %q", status.Backend)
	}
}

func TestOpenFallsBackWhenRedisIsUnreachable(t *testing.T) {
	backend := Open(context.Background(), OpenConfig{Streams: StreamsConfig{Addr: "127.0.0.1:1"}}, nil)
	defer backend.Close()

	if _, ok := backend.Queue.(*LocalQueue); !ok {
		t.Fatalf("expected local queue when redis is unreachable, got %T", backend.Queue)
	}
}

func TestOpenSharedRefusesToRunWithoutRedis(t *testing.T) {
	if _, err := OpenShared(context.Background(), StreamsConfig{}, nil); !errors.Is(err, ErrNoSharedQueue) {
		t.Fatalf("expected ErrNoSharedQueue, got %v", err)
	}
	if _, err := OpenShared(context.Background(), StreamsConfig{Addr: "127.0.0.1:1"}, nil); err == nil {
		t.Fatal("expected an error for an unreachable redis")
	}
}

func TestDeliveryKeepAliveTouchesUntilCancelled(t *testing.T) {
	var touches atomic.Int32
	delivery := NewDelivery(domain.QueueMessage{JobID: "job-1"}, nil).
		WithKeepAlive(5*time.Millisecond, func(context.Context) error {
			touches.Add(1)
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		delivery.KeepAlive(ctx, nil)
	}()
	time.Sleep(40 * time.Millisecond)
	cancel()
	<-done

	seen := touches.Load()
	if seen == 0 {
		t.Fatal("expected the claim to be refreshed while running")
	}
	time.Sleep(20 * time.Millisecond)
	if touches.Load() != seen {
		t.Fatal("keep alive kept touching after cancellation")
	}
}

func TestLocalDeliveryKeepAliveReturnsImmediately(t *testing.T) {
	q := NewLocalQueue(1)
	_ = q.Enqueue(context.Background(), domain.QueueMessage{JobID: "job-1"})
	delivery, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	finished := make(chan struct{})
	go func() {
		delivery.KeepAlive(context.Background(), nil)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("local deliveries have no claim to refresh")
	}
}
