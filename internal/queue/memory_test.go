package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryEnqueueDequeueAck(t *testing.T) {
	q := NewMemory(Options{PollInterval: 10 * time.Millisecond, LeaseTimeout: time.Minute})
	ctx := context.Background()

	if err := q.Enqueue(ctx, "run-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "run-2"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.RunID != "run-1" || job.Token == "" {
		t.Fatalf("unexpected job %+v", job)
	}
	if pending, leased := q.Len(); pending != 1 || leased != 1 {
		t.Fatalf("expected 1 pending and 1 leased, got %d/%d", pending, leased)
	}
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, leased := q.Len(); leased != 0 {
		t.Fatalf("ack should drop the lease")
	}
}

func TestMemoryDequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory(Options{PollInterval: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, "late"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case job := <-got:
		if job.RunID != "late" {
			t.Fatalf("unexpected job %+v", job)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("consumer was not woken by enqueue")
	}
}

func TestMemoryDequeueHonorsContext(t *testing.T) {
	q := NewMemory(Options{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestMemoryExpiredLeaseIsRedelivered(t *testing.T) {
	q := NewMemory(Options{PollInterval: 5 * time.Millisecond, LeaseTimeout: time.Minute})
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	q.Enqueue(ctx, "run-1")
	first, _ := q.Dequeue(ctx)

	if n, _ := q.RequeueExpired(ctx); n != 0 {
		t.Fatalf("lease not yet expired, requeued %d", n)
	}
	now = now.Add(2 * time.Minute)
	if n, _ := q.RequeueExpired(ctx); n != 1 {
		t.Fatalf("expected one expired lease, got %d", n)
	}
	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue redelivery: %v", err)
	}
	if second.RunID != "run-1" || second.Token == first.Token {
		t.Fatalf("expected fresh lease for run-1, got %+v (first %+v)", second, first)
	}

	// a late ack for the expired lease must not drop the new one
	q.Ack(ctx, first)
	if _, leased := q.Len(); leased != 1 {
		t.Fatalf("stale ack removed the active lease")
	}
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(Options{})
	q.Close()
	if err := q.Enqueue(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Dequeue, got %v", err)
	}
}
