package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/aischool-back/internal/domain"
	"go.uber.org/zap"
)

const probeTimeout = 3 * time.Second

// ErrNoSharedQueue means no Redis address is configured.
var ErrNoSharedQueue = errors.New("no shared queue configured")

type OpenConfig struct {
	Streams       StreamsConfig
	LocalCapacity int
}

// Backend is the queue a process should use plus whatever must be closed on shutdown.
type Backend struct {
	Queue
	closers []func() error
}

// EnqueueBatch keeps the pipelined path of the selected backend reachable
// through the wrapper.
func (b *Backend) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if writer, ok := b.Queue.(batchCapableProducer); ok {
		return writer.EnqueueBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := b.Queue.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Close() error {
	var first error
	for _, closer := range b.closers {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open probes Redis and returns a FallbackQueue over Streams and a local queue
// when it answers. Without an address, or when the probe fails, the process runs
// on the local queue alone.
func Open(ctx context.Context, cfg OpenConfig, logger *zap.SugaredLogger) *Backend {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	local := NewLocalQueue(cfg.LocalCapacity)
	if cfg.Streams.Addr == "" {
		logger.Infow("queue backend selected", "backend", BackendMemory)
		return &Backend{Queue: local}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	streams, err := NewStreamsQueue(probeCtx, cfg.Streams, logger)
	if err != nil {
		logger.Warnw("redis unavailable, using in-process queue", "backend", BackendMemory, "addr", cfg.Streams.Addr, "error", err)
		return &Backend{Queue: local}
	}

	logger.Infow("queue backend selected", "backend", BackendRedis, "addr", cfg.Streams.Addr, "stream", cfg.Streams.Stream)
	return &Backend{
		Queue:   NewFallbackQueue(streams, local, logger),
		closers: []func() error{streams.Close},
	}
}

// OpenShared connects to Redis Streams with no in-process fallback. Processes
// that enqueue for other processes use it; a message parked in their own memory
// would be lost when they exit.
func OpenShared(ctx context.Context, cfg StreamsConfig, logger *zap.SugaredLogger) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, ErrNoSharedQueue
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	streams, err := NewStreamsQueue(probeCtx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("shared queue unavailable: %w", err)
	}
	return &Backend{Queue: streams, closers: []func() error{streams.Close}}, nil
}
