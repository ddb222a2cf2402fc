package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/queue"
	"agentchat/internal/runs"
)

const staleBatch = 100

// Janitor repairs the queue periodically: expired leases go back to pending
// and runs that stayed queued too long are enqueued again. A duplicate job
// is harmless since only one claim can win.
type Janitor struct {
	queue      queue.Queue
	ledger     *runs.Ledger
	interval   time.Duration
	staleAfter time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time

	// restagedAt throttles re-enqueueing the same run to once per staleAfter.
	restagedAt map[string]time.Time
}

func NewJanitor(q queue.Queue, ledger *runs.Ledger, interval, staleAfter time.Duration, m *metrics.Metrics) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Janitor{
		queue:      q,
		ledger:     ledger,
		interval:   interval,
		staleAfter: staleAfter,
		metrics:    m,
		now:        time.Now,
		restagedAt: make(map[string]time.Time),
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one repair pass and reports what it moved. It is not safe
// for concurrent use.
func (j *Janitor) Sweep(ctx context.Context) (requeued, restaged int) {
	log := logging.FromContext(ctx)

	n, err := j.queue.RequeueExpired(ctx)
	if err != nil {
		log.Warn("requeue expired leases", zap.Error(err))
	} else if n > 0 {
		j.metrics.Add(metrics.LeasesRequeued, int64(n))
		log.Info("requeued expired leases", zap.Int("count", n))
	}
	requeued = n

	now := j.now()
	cutoff := now.Add(-j.staleAfter)
	for id, at := range j.restagedAt {
		if at.Before(cutoff) {
			delete(j.restagedAt, id)
		}
	}
	ids, err := j.ledger.StaleQueued(ctx, cutoff, staleBatch)
	if err != nil {
		log.Warn("list stale queued runs", zap.Error(err))
		return requeued, 0
	}
	for _, id := range ids {
		if _, recent := j.restagedAt[id]; recent {
			continue
		}
		if err := j.queue.Enqueue(ctx, id); err != nil {
			log.Warn("re-enqueue stale run", zap.String("run_id", id), zap.Error(err))
			continue
		}
		j.restagedAt[id] = now
		restaged++
	}
	if restaged > 0 {
		j.metrics.Add(metrics.StaleRunsRequeued, int64(restaged))
		log.Info("re-enqueued stale runs", zap.Int("count", restaged))
	}
	return requeued, restaged
}
