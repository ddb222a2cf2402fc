// Package worker consumes queued runs and drives them through their state
// machine.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/queue"
)

// Options sizes the worker pool.
type Options struct {
	MinWorkers   int
	MaxWorkers   int
	IdleTimeout  time.Duration
	LeaseTimeout time.Duration
	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Dispatcher leases jobs from the queue and hands each to an idle worker.
// A worker is acquired before dequeuing, so every leased job is already
// being processed.
type Dispatcher struct {
	queue     queue.Queue
	processor *Processor
	opts      Options
	pool      *jobChannelPool
	baseCtx   context.Context
}

func NewDispatcher(q queue.Queue, processor *Processor, opts Options) *Dispatcher {
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 10 * time.Minute
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	return &Dispatcher{queue: q, processor: processor, opts: opts}
}

// Run blocks until ctx is done or the queue is closed. Jobs already handed
// to workers are finished before it returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := logging.FromContext(ctx)
	d.baseCtx = context.WithoutCancel(ctx)
	d.pool = newJobChannelPool(d.opts.MinWorkers, d.opts.MaxWorkers, d.opts.IdleTimeout, d.handle)
	stop := context.AfterFunc(ctx, d.pool.wake)
	defer stop()
	defer d.pool.close()

	// Warm up workers
	for i := 0; i < d.opts.MinWorkers; i++ {
		d.pool.spawnWorker()
	}
	log.Info("dispatcher started",
		zap.Int("min_workers", d.opts.MinWorkers),
		zap.Int("max_workers", d.pool.max),
		zap.Duration("lease_timeout", d.opts.LeaseTimeout),
	)

	for {
		meta := d.pool.acquire(ctx)
		if meta == nil {
			return nil
		}
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			d.pool.Release(meta.ch)
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, queue.ErrClosed):
				log.Info("queue closed, dispatcher stopping")
				return nil
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.opts.ErrorBackoff):
			}
			continue
		}
		log.Debug("assign job", zap.String("run_id", job.RunID), zap.Int("worker_id", meta.id))
		if !d.pool.submit(meta, job) {
			return nil
		}
	}
}

// handle processes one job under a context bounded by the lease. The job is
// acked unless processing hit an infrastructure error, in which case the
// lease runs out and the job is delivered again.
func (d *Dispatcher) handle(workerID int, job queue.Job) {
	ctx, cancel := context.WithTimeout(d.baseCtx, d.opts.LeaseTimeout)
	defer cancel()
	ctx = logging.With(ctx, zap.String("run_id", job.RunID), zap.Int("worker_id", workerID))
	log := logging.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job handler", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	if err := d.processor.Process(ctx, job.RunID); err != nil {
		log.Error("process run", zap.Error(err))
		return
	}
	ackCtx, ackCancel := context.WithTimeout(d.baseCtx, 5*time.Second)
	defer ackCancel()
	if err := d.queue.Ack(ackCtx, job); err != nil {
		log.Warn("ack job", zap.Error(err))
	}
}
