// Package queue hands run ids from the request path to workers.
//
// Delivery is at-least-once: a job that is dequeued but never acked is
// handed out again once its lease expires. Only the run id travels through
// the queue; the run ledger stays the source of truth.
package queue

import (
	"context"
	"errors"
	"time"

	"agentchat/internal/redis"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job references one run. Token identifies the lease so a late Ack from a
// worker whose lease already expired cannot drop a newer delivery.
type Job struct {
	RunID string
	Token string
}

// Queue is the hand-off channel between acceptance and workers.
type Queue interface {
	// Enqueue durably records the job before returning.
	Enqueue(ctx context.Context, runID string) error
	// Dequeue blocks until a job is leased or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Ack removes the lease; the job will not be redelivered.
	Ack(ctx context.Context, job Job) error
	// RequeueExpired returns jobs whose lease ran out to the pending list.
	RequeueExpired(ctx context.Context) (int, error)
}

// Options configures lease and polling behavior shared by implementations.
type Options struct {
	Name         string
	LeaseTimeout time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = redis.Key("runs")
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 10 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	return o
}
