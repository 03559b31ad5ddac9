package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iago/aischool-back/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	BufferCapacity     int
	MaxInFlightBatches int
}

type pendingEnqueue struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

// BatchingProducer collects enqueues that arrive close together and writes them
// with one pipelined call, bounding both buffered requests and in-flight batches.
// Bulk operations such as retrying every failed job go through it.
type BatchingProducer struct {
	base   Producer
	writer batchCapableProducer

	in        chan pendingEnqueue
	inFlight  chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	cfg       BatchingConfig
	parent    <-chan struct{}
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 1024
	}
	if cfg.MaxInFlightBatches <= 0 {
		cfg.MaxInFlightBatches = 4
	}

	producer := &BatchingProducer{
		base:     base,
		in:       make(chan pendingEnqueue, cfg.BufferCapacity),
		inFlight: make(chan struct{}, cfg.MaxInFlightBatches),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		cfg:      cfg,
		parent:   parent.Done(),
	}
	if writer, ok := base.(batchCapableProducer); ok {
		producer.writer = writer
	}

	go producer.run()
	return producer
}

// Enqueue hands the message to the flusher and waits for the batch outcome. A full
// buffer fails fast with ErrQueueBackpressure instead of blocking the caller.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := b.submit(ctx, message)
	if err != nil {
		return err
	}
	return wait(ctx, result)
}

// EnqueueAll submits every message in order and returns the first failure, if any.
// Messages reach the base producer in the order given.
func (b *BatchingProducer) EnqueueAll(ctx context.Context, messages []domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var firstErr error
	results := make([]chan error, 0, len(messages))
	for _, message := range messages {
		result, err := b.submit(ctx, message)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, result)
	}

	for _, result := range results {
		if err := wait(ctx, result); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *BatchingProducer) submit(ctx context.Context, message domain.QueueMessage) (chan error, error) {
	request := pendingEnqueue{ctx: ctx, message: message, result: make(chan error, 1)}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBatchingClosed
	default:
	}

	select {
	case b.in <- request:
		return request.result, nil
	default:
		return nil, ErrQueueBackpressure
	}
}

func wait(ctx context.Context, result chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) run() {
	defer close(b.done)

	pending := make([]pendingEnqueue, 0, b.cfg.MaxBatchSize)
	timer := time.NewTimer(b.cfg.FlushInterval)
	stopTimer(timer)
	armed := false

	flush := func(final bool) {
		if len(pending) == 0 {
			return
		}
		batch := append([]pendingEnqueue(nil), pending...)
		pending = pending[:0]
		b.flush(batch, final)
	}

	for {
		var tick <-chan time.Time
		if armed {
			tick = timer.C
		}

		select {
		case <-b.parent:
			stopTimer(timer)
			flush(true)
			return
		case <-b.stop:
			stopTimer(timer)
			flush(true)
			return
		case <-tick:
			armed = false
			flush(false)
		case request := <-b.in:
			if err := request.ctx.Err(); err != nil {
				request.result <- err
				continue
			}
			pending = append(pending, request)
			if len(pending) == 1 {
				stopTimer(timer)
				timer.Reset(b.cfg.FlushInterval)
				armed = true
			}
			if len(pending) >= b.cfg.MaxBatchSize {
				stopTimer(timer)
				armed = false
				flush(false)
			}
		}
	}
}

func (b *BatchingProducer) flush(batch []pendingEnqueue, final bool) {
	live := make([]pendingEnqueue, 0, len(batch))
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.result <- err
			continue
		}
		live = append(live, request)
	}
	if len(live) == 0 {
		return
	}

	messages := make([]domain.QueueMessage, 0, len(live))
	for _, request := range live {
		messages = append(messages, request.message)
	}

	flushCtx := context.Background()
	if !final {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
		defer cancel()
	}

	select {
	case b.inFlight <- struct{}{}:
	case <-flushCtx.Done():
		for _, request := range live {
			request.result <- flushCtx.Err()
		}
		return
	}
	defer func() { <-b.inFlight }()

	var err error
	if b.writer != nil {
		err = b.writer.EnqueueBatch(flushCtx, messages)
	} else {
		for _, message := range messages {
			if err = b.base.Enqueue(flushCtx, message); err != nil {
				break
			}
		}
	}

	for _, request := range live {
		request.result <- err
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
