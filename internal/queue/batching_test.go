package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.QueueMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) snapshot() [][]domain.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]domain.QueueMessage(nil), p.batches...)
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func processMessage(jobID string, at time.Time) domain.QueueMessage {
	return domain.QueueMessage{JobID: jobID, Action: domain.ActionProcess, RequestedAt: at}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       time.Second,
		BufferCapacity:     64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			message := processMessage(fmt.Sprintf("job-%d", index), time.Now().UTC())
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	batches := base.snapshot()
	total := 0
	for _, batch := range batches {
		total += len(batch)
	}
	if total != 10 {
		t.Fatalf("expected 10 enqueued messages, got %d", total)
	}
	if len(batches) >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", len(batches))
	}
}

func TestBatchingProducerKeepsSubmissionOrder(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
	})
	defer batcher.Close()

	now := time.Now().UTC()
	messages := []domain.QueueMessage{
		{JobID: "resume-a", Action: domain.ActionResume, FromStage: domain.StageTTS, RequestedAt: now.Add(3 * time.Millisecond)},
		processMessage("process-late", now.Add(2*time.Millisecond)),
		processMessage("process-early", now.Add(time.Millisecond)),
	}
	if err := batcher.EnqueueAll(context.Background(), messages); err != nil {
		t.Fatalf("enqueue all: %v", err)
	}

	batches := base.snapshot()
	if len(batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(batches))
	}
	got := []string{batches[0][0].JobID, batches[0][1].JobID, batches[0][2].JobID}
	want := []string{"resume-a", "process-late", "process-early"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected batch order %v, want %v", got, want)
		}
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		BufferCapacity:     1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(), processMessage("job-first", time.Now().UTC()))
	}()

	// let the flusher pick up the first message and block on the base producer
	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(), processMessage("job-second", time.Now().UTC()))
	}()

	time.Sleep(10 * time.Millisecond)

	if err := batcher.Enqueue(context.Background(), processMessage("job-third", time.Now().UTC())); err != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", err)
	}

	close(base.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first enqueue failed unexpectedly: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second enqueue failed unexpectedly: %v", err)
	}
}

func TestBatchingProducerRejectsAfterClose(t *testing.T) {
	batcher := NewBatchingProducer(context.Background(), &recordingBatchProducer{}, BatchingConfig{})
	batcher.Close()

	if err := batcher.Enqueue(context.Background(), processMessage("job-1", time.Now())); err != ErrBatchingClosed {
		t.Fatalf("expected ErrBatchingClosed, got %v", err)
	}
}
