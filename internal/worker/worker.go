// Package worker records usage off the request path.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/billing"
)

// ErrQueueFull is returned by Enqueue when the buffer is exhausted.
var ErrQueueFull = errors.New("usage queue is full")

type Queue interface {
	Enqueue(ctx context.Context, log *billing.UsageLog) error
	Process(ctx context.Context) error // starts the worker loop
}

// UsageRecorder buffers usage logs and writes them to a billing store from
// a single worker loop.
type UsageRecorder struct {
	store   billing.Store
	jobs    chan *billing.UsageLog
	timeout time.Duration
	logger  *zap.Logger
}

func NewUsageRecorder(store billing.Store, buffer int, logger *zap.Logger) *UsageRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageRecorder{
		store:   store,
		jobs:    make(chan *billing.UsageLog, buffer),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Enqueue never blocks; a full buffer drops the log.
func (r *UsageRecorder) Enqueue(ctx context.Context, log *billing.UsageLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.jobs <- log:
		return nil
	default:
		r.logger.Warn("usage queue full, dropping log",
			zap.String("tenant_id", log.TenantID),
			zap.String("request_id", log.RequestID))
		return ErrQueueFull
	}
}

// Process writes queued logs until ctx is done, then flushes what is
// still buffered.
func (r *UsageRecorder) Process(ctx context.Context) error {
	for {
		select {
		case log := <-r.jobs:
			r.write(log)
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *UsageRecorder) drain() {
	for {
		select {
		case log := <-r.jobs:
			r.write(log)
		default:
			return
		}
	}
}

func (r *UsageRecorder) write(log *billing.UsageLog) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.LogUsage(ctx, log); err != nil {
		r.logger.Error("failed to record usage",
			zap.String("tenant_id", log.TenantID),
			zap.String("request_id", log.RequestID),
			zap.Error(err))
	}
}
