package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"github.com/iago/aischool-back/internal/queue"
	"go.uber.org/zap"
)

// Processor handles one dequeued message. The pipeline runner is the production implementation.
type Processor interface {
	Process(ctx context.Context, message domain.QueueMessage) error
}

type Consumer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
}

type Config struct {
	PollTimeout time.Duration
	// ErrorBackoff is the pause after the queue itself fails.
	ErrorBackoff time.Duration
}

// Pool runs workers that each pull from the shared queue. Start may be called
// again to grow the pool; it never duplicates workers that are alive.
type Pool struct {
	consumer  Consumer
	processor Processor
	cfg       Config
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	alive  int
	nextID int
	wg     sync.WaitGroup
}

func NewPool(consumer Consumer, processor Processor, cfg Config, logger *zap.SugaredLogger) *Pool {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool{consumer: consumer, processor: processor, cfg: cfg, logger: logger}
}

// Start tops the pool up to n workers and returns how many are alive.
func (p *Pool) Start(ctx context.Context, n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil || p.ctx.Err() != nil {
		p.ctx, p.cancel = context.WithCancel(ctx)
	}
	for p.alive < n {
		p.nextID++
		p.alive++
		p.wg.Add(1)
		go p.loop(p.ctx, fmt.Sprintf("worker-%d", p.nextID))
	}
	p.logger.Infow("worker pool started", "workers", p.alive)
	return p.alive
}

// Stop cancels every worker and waits for in-flight messages to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *Pool) loop(ctx context.Context, name string) {
	defer func() {
		p.mu.Lock()
		p.alive--
		p.mu.Unlock()
		p.wg.Done()
	}()

	logger := p.logger.With("worker", name)
	logger.Debugw("worker started")
	for {
		if ctx.Err() != nil {
			logger.Debugw("worker stopped")
			return
		}

		delivery, err := p.consumer.Dequeue(ctx, p.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			logger.Errorw("dequeue failed", "error", err)
			p.pause(ctx)
			continue
		}

		p.handle(ctx, logger, delivery)
	}
}

// handle never lets a single message take the worker down.
func (p *Pool) handle(ctx context.Context, logger *zap.SugaredLogger, delivery *queue.Delivery) {
	message := delivery.Message
	ack := true
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Errorw("processor panic",
				"job_id", message.JobID,
				"panic", recovered,
				"stack", string(debug.Stack()),
			)
		}
		if !ack {
			return
		}
		if err := delivery.Ack(context.WithoutCancel(ctx)); err != nil {
			logger.Warnw("ack failed", "job_id", message.JobID, "error", err)
		}
	}()

	// the claim stays fresh until the message is acked or released
	keepCtx, stopKeepAlive := context.WithCancel(ctx)
	keepDone := make(chan struct{})
	go func() {
		defer close(keepDone)
		delivery.KeepAlive(keepCtx, func(err error) {
			logger.Warnw("queue claim refresh failed", "job_id", message.JobID, "error", err)
		})
	}()
	defer func() {
		stopKeepAlive()
		<-keepDone
	}()

	started := time.Now()
	logger.Infow("processing message", "job_id", message.JobID, "action", message.Action, "from_stage", message.FromStage)
	if err := p.processor.Process(ctx, message); err != nil {
		// left pending so an at-least-once backend can redeliver it
		ack = false
		logger.Errorw("message processing failed", "job_id", message.JobID, "error", err)
		return
	}
	logger.Infow("message processed", "job_id", message.JobID, "seconds", time.Since(started).Seconds())
}

func (p *Pool) pause(ctx context.Context) {
	timer := time.NewTimer(p.cfg.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
