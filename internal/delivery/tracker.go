// Package delivery notifies the external integration about finished runs and
// keeps per-run retry bookkeeping in integration_deliveries.
package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/storage"
)

// ErrNotFound is returned when a run has no delivery record.
var ErrNotFound = errors.New("delivery not found")

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = time.Second

	abandonTimeout = 5 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tunes the retry protocol.
type Options struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Sleep       SleepFunc
	Metrics     *metrics.Metrics
}

// Tracker runs the retry protocol. A Tracker without a Sender is disabled:
// Deliver does nothing and writes no row.
type Tracker struct {
	db          *storage.DB
	sender      Sender
	maxAttempts int
	baseBackoff time.Duration
	sleep       SleepFunc
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewTracker(db *storage.DB, sender Sender, opts Options) *Tracker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	return &Tracker{
		db:          db,
		sender:      sender,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		sleep:       opts.Sleep,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Enabled reports whether an endpoint is configured.
func (t *Tracker) Enabled() bool {
	return t != nil && t.sender != nil
}

// Backoff is the wait before attempt n+1 after attempt n failed: base, 2*base, 4*base...
func (t *Tracker) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return t.baseBackoff << (n - 1)
}

// Deliver notifies the endpoint about runID. It returns the final record, or
// nil when delivery is disabled. Exhausting every attempt is not an error;
// the record simply ends failed. An error is only returned when bookkeeping
// fails or ctx ends mid-protocol; the record is then closed as failed so it
// never lingers in pending.
func (t *Tracker) Deliver(ctx context.Context, runID string, payload Payload) (*models.DeliveryAttempt, error) {
	if !t.Enabled() {
		return nil, nil
	}
	log := logging.FromContext(ctx).With(zap.String("run_id", runID))

	rec, err := t.getOrCreate(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.DeliveryPending {
		return rec, nil
	}

	for rec.Attempts < t.maxAttempts {
		if rec.Attempts > 0 {
			if err := t.sleep(ctx, t.Backoff(rec.Attempts)); err != nil {
				t.abandon(ctx, rec, err)
				return rec, fmt.Errorf("delivery backoff: %w", err)
			}
		}
		rec.Attempts++
		if err := t.save(ctx, rec); err != nil {
			t.abandon(ctx, rec, err)
			return rec, err
		}
		t.metrics.Increment(metrics.DeliveryAttempts)

		sendErr := t.sender.Send(ctx, payload)
		if sendErr == nil {
			rec.Status = models.DeliverySucceeded
			if err := t.save(ctx, rec); err != nil {
				// the endpoint has it; retry the bookkeeping detached from ctx
				saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
				err = t.save(saveCtx, rec)
				cancel()
				if err != nil {
					return rec, err
				}
			}
			t.metrics.Increment(metrics.DeliveriesSucceeded)
			log.Info("delivery succeeded", zap.Int("attempts", rec.Attempts))
			return rec, nil
		}

		msg := sendErr.Error()
		rec.LastError = &msg
		if rec.Attempts >= t.maxAttempts {
			rec.Status = models.DeliveryFailed
		}
		if err := t.save(ctx, rec); err != nil {
			t.abandon(ctx, rec, err)
			return rec, err
		}
		log.Warn("delivery attempt failed",
			zap.Int("attempt", rec.Attempts),
			zap.Int("max_attempts", t.maxAttempts),
			zap.Error(sendErr),
		)
	}

	if rec.Status == models.DeliveryPending {
		rec.Status = models.DeliveryFailed
		if err := t.save(ctx, rec); err != nil {
			return rec, err
		}
	}
	t.metrics.Increment(metrics.DeliveriesFailed)
	return rec, nil
}

// abandon closes a record the protocol could not finish. ctx is usually done
// by then, so the write runs detached under its own timeout.
func (t *Tracker) abandon(ctx context.Context, rec *models.DeliveryAttempt, cause error) {
	msg := "delivery interrupted: " + cause.Error()
	rec.Status = models.DeliveryFailed
	rec.LastError = &msg
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	if err := t.save(saveCtx, rec); err != nil {
		logging.FromContext(ctx).Error("close interrupted delivery",
			zap.String("run_id", rec.RunID), zap.Error(err))
	}
	t.metrics.Increment(metrics.DeliveriesFailed)
}

// Get returns the delivery record of a run.
func (t *Tracker) Get(ctx context.Context, runID string) (*models.DeliveryAttempt, error) {
	var (
		rec                  models.DeliveryAttempt
		status               string
		lastError            sql.NullString
		createdAt, updatedAt int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT id, run_id, status, attempts, last_error, created_at, updated_at
		 FROM integration_deliveries WHERE run_id = ?`, runID,
	).Scan(&rec.ID, &rec.RunID, &status, &rec.Attempts, &lastError, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	rec.Status = models.DeliveryStatus(status)
	rec.LastError = storage.FromNullString(lastError)
	rec.CreatedAt = storage.FromTimestamp(createdAt)
	rec.UpdatedAt = storage.FromTimestamp(updatedAt)
	return &rec, nil
}

// getOrCreate returns the run's record, inserting a pending one first if
// needed. A run is processed by one worker at a time, so the check-then-insert
// does not race.
func (t *Tracker) getOrCreate(ctx context.Context, runID string) (*models.DeliveryAttempt, error) {
	rec, err := t.Get(ctx, runID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := t.now().UTC()
	rec = &models.DeliveryAttempt{
		ID:        models.NewID(),
		RunID:     runID,
		Status:    models.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO integration_deliveries (id, run_id, status, attempts, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)`,
		rec.ID, rec.RunID, string(rec.Status), storage.Timestamp(now), storage.Timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	return rec, nil
}

func (t *Tracker) save(ctx context.Context, rec *models.DeliveryAttempt) error {
	rec.UpdatedAt = t.now().UTC()
	var lastError sql.NullString
	if rec.LastError != nil {
		lastError = sql.NullString{String: *rec.LastError, Valid: true}
	}
	_, err := t.db.ExecContext(ctx,
		`UPDATE integration_deliveries SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(rec.Status), rec.Attempts, lastError, storage.Timestamp(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// Sleep waits for d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
