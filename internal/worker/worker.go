// Package worker drains usage records to the ledger off the request path.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mckingz/edu-ai-gateway/internal/billing"
)

var (
	ErrQueueFull   = errors.New("usage queue full")
	ErrQueueClosed = errors.New("usage queue closed")
)

// Queue is a bounded buffer of usage records written by a pool of workers.
// Enqueue never blocks; Process runs until Close has been called and the buffer
// is drained.
type Queue struct {
	store    billing.Store
	logger   *zap.Logger
	workers  int
	maxTries uint
	interval time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan *billing.UsageRecord

	written atomic.Int64
	dropped atomic.Int64
}

type Option func(*Queue)

// WithRetry sets how many times a write is attempted and the first backoff interval.
func WithRetry(maxTries uint, initial time.Duration) Option {
	return func(q *Queue) {
		q.maxTries = maxTries
		q.interval = initial
	}
}

func NewQueue(store billing.Store, size, workers int, logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		logger:   logger,
		workers:  workers,
		maxTries: 3,
		interval: 200 * time.Millisecond,
		jobs:     make(chan *billing.UsageRecord, size),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Enqueue(rec *billing.UsageRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return ErrQueueClosed
	}
	select {
	case q.jobs <- rec:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Process starts the worker loop. Records still buffered when Close is called
// are written before Process returns.
func (q *Queue) Process(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for rec := range q.jobs {
				q.write(ctx, rec)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops accepting records.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

func (q *Queue) write(ctx context.Context, rec *billing.UsageRecord) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.interval

	_, err := backoff.Retry(ctx, func() (bool, error) {
		return q.store.Append(ctx, rec)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(q.maxTries))
	if err != nil {
		q.dropped.Add(1)
		q.logger.Error("LedgerWriteFailure",
			zap.String("request_id", rec.RequestID),
			zap.String("user_id", rec.UserID),
			zap.String("idempotency_key", rec.IdempotencyKey),
			zap.String("status", string(rec.Status)),
			zap.Error(err),
		)
		return
	}
	q.written.Add(1)
}

// Stats reports records written and dropped since start.
func (q *Queue) Stats() (written, dropped int64) {
	return q.written.Load(), q.dropped.Load()
}
