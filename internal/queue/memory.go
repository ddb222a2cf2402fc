package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

type lease struct {
	runID    string
	deadline time.Time
}

// Memory is an in-process Queue with the same lease semantics as Redis.
// It serves single-process deployments and tests.
type Memory struct {
	mu      sync.Mutex
	pending []string
	leases  map[string]lease
	seq     uint64
	closed  bool
	notify  chan struct{}
	opts    Options
	now     func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		leases: make(map[string]lease),
		notify: make(chan struct{}, 1),
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

func (q *Memory) Enqueue(ctx context.Context, runID string) error {
	if runID == "" {
		return errors.New("run id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, runID)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (Job, error) {
	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(q.pending) > 0 {
			runID := q.pending[0]
			q.pending = q.pending[1:]
			q.seq++
			token := runID + "|" + strconv.FormatUint(q.seq, 10)
			q.leases[token] = lease{runID: runID, deadline: q.now().Add(q.opts.LeaseTimeout)}
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return Job{RunID: runID, Token: token}, nil
		}
		q.mu.Unlock()

		timer.Reset(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
	}
}

func (q *Memory) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	delete(q.leases, job.Token)
	q.mu.Unlock()
	return nil
}

func (q *Memory) RequeueExpired(_ context.Context) (int, error) {
	now := q.now()
	q.mu.Lock()
	n := 0
	for token, l := range q.leases {
		if !l.deadline.After(now) {
			delete(q.leases, token)
			// expired jobs go to the front so they are retried first
			q.pending = append([]string{l.runID}, q.pending...)
			n++
		}
	}
	q.mu.Unlock()
	if n > 0 {
		q.wake()
	}
	return n, nil
}

// Len reports pending and leased job counts.
func (q *Memory) Len() (pending, leased int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.leases)
}

// Close wakes blocked consumers with ErrClosed.
func (q *Memory) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
