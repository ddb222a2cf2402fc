// Package runs is the ledger of agent runs and their lifecycle.
//
// Every transition is a single conditional UPDATE guarded by the expected
// current status, so two workers racing on a redelivered job cannot both
// move the same run.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/storage"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// Ledger persists runs in the agent_runs table.
type Ledger struct {
	db  *storage.DB
	now func() time.Time
}

func NewLedger(db *storage.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

const runColumns = `id, conversation_id, trigger_message_id, status, started_at, finished_at, last_error, created_at`

// Create inserts a queued run for the trigger message. Pass the transaction
// that inserted the message so both rows become visible together.
func (l *Ledger) Create(ctx context.Context, q storage.Querier, conversationID, triggerMessageID string) (*models.Run, error) {
	if conversationID == "" || triggerMessageID == "" {
		return nil, errors.New("conversation_id and trigger_message_id are required")
	}
	if q == nil {
		q = l.db
	}
	run := &models.Run{
		ID:               models.NewID(),
		ConversationID:   conversationID,
		TriggerMessageID: triggerMessageID,
		Status:           models.RunQueued,
		CreatedAt:        l.now().UTC(),
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO agent_runs (id, conversation_id, trigger_message_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.TriggerMessageID, string(run.Status), storage.Timestamp(run.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

// Get loads a run by id.
func (l *Ledger) Get(ctx context.Context, id string) (*models.Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Claim moves a run from queued to running. It reports false when the run is
// unknown or no longer queued, which is how redelivered jobs are discarded.
func (l *Ledger) Claim(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(models.RunRunning), storage.Timestamp(l.now()), id, string(models.RunQueued),
	)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return affectedOne(res)
}

// Succeed finishes a running run.
func (l *Ledger) Succeed(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(models.RunSucceeded), storage.Timestamp(l.now()), id, string(models.RunRunning),
	)
	if err != nil {
		return false, fmt.Errorf("succeed run: %w", err)
	}
	return affectedOne(res)
}

// Fail finishes a running run with a human readable reason.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (bool, error) {
	return l.fail(ctx, id, reason, models.RunRunning)
}

// FailQueued fails a run that never reached a worker. The acceptance path
// uses it when the job could not be enqueued.
func (l *Ledger) FailQueued(ctx context.Context, id, reason string) (bool, error) {
	return l.fail(ctx, id, reason, models.RunQueued)
}

func (l *Ledger) fail(ctx context.Context, id, reason string, from models.RunStatus) (bool, error) {
	if reason == "" {
		reason = "unknown error"
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, finished_at = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(models.RunFailed), storage.Timestamp(l.now()), reason, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}
	return affectedOne(res)
}

// StaleQueued lists runs still queued that were created before cutoff,
// oldest first.
func (l *Ledger) StaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM agent_runs WHERE status = ? AND created_at < ? ORDER BY created_at ASC LIMIT ?`,
		string(models.RunQueued), storage.Timestamp(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run               models.Run
		status            string
		started, finished sql.NullInt64
		lastError         sql.NullString
		createdAt         int64
	)
	if err := row.Scan(&run.ID, &run.ConversationID, &run.TriggerMessageID, &status,
		&started, &finished, &lastError, &createdAt); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.StartedAt = storage.FromNullTimestamp(started)
	run.FinishedAt = storage.FromNullTimestamp(finished)
	run.LastError = storage.FromNullString(lastError)
	run.CreatedAt = storage.FromTimestamp(createdAt)
	return &run, nil
}
