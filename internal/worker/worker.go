package worker

import (
	"go.uber.org/zap"

	"agentchat/internal/logging"
)

// Worker is one goroutine of the pool. It parks its channel in the idle list
// between jobs and exits when the pool closes or retires it.
type Worker struct {
	id   int
	pool *jobChannelPool
	jobs chan task
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{id: id, pool: pool, jobs: make(chan task)}
}

func (w *Worker) start() {
	go func() {
		defer w.pool.workers.Done()
		defer w.pool.retire(w.jobs)
		log := logging.L().With(zap.Int("worker_id", w.id))
		log.Debug("worker started")
		for {
			w.pool.Release(w.jobs)
			select {
			case t := <-w.jobs:
				if t.stop {
					log.Debug("worker retired after idle timeout")
					return
				}
				w.pool.handle(w.id, t.job)
				w.pool.inflight.Done()
			case <-w.pool.quit:
				return
			}
		}
	}()
}
