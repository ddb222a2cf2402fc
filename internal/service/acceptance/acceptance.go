// Package acceptance is the synchronous half of a chat turn: it records the
// user message and its run, hands the run to the queue and returns at once.
package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/logging"
	"agentchat/internal/metrics"
	"agentchat/internal/models"
	"agentchat/internal/queue"
	"agentchat/internal/runs"
	"agentchat/internal/service/chat"
	"agentchat/internal/storage"
)

var (
	ErrNotFound        = chat.ErrNotFound
	ErrForbidden       = chat.ErrForbidden
	ErrEmptyText       = errors.New("text cannot be empty")
	ErrInvalidMetadata = errors.New("metadata must be a JSON object")
)

const (
	enqueueTimeout = 5 * time.Second
	repairTimeout  = 5 * time.Second
)

// Receipt acknowledges an accepted message. Status is queued, or failed when
// the run could not be enqueued.
type Receipt struct {
	MessageID string           `json:"message_id"`
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
}

type Service struct {
	db      *storage.DB
	chat    *chat.Service
	ledger  *runs.Ledger
	queue   queue.Queue
	metrics *metrics.Metrics
	enqueueTimeout time.Duration
}

func NewService(chatSvc *chat.Service, ledger *runs.Ledger, q queue.Queue, m *metrics.Metrics) *Service {
	return &Service{
		db:             chatSvc.DB(),
		chat:           chatSvc,
		ledger:         ledger,
		queue:          q,
		metrics:        m,
		enqueueTimeout: enqueueTimeout,
	}
}

// Accept stores the user message and a queued run atomically, then enqueues
// the run. It never waits for the agent.
func (s *Service) Accept(ctx context.Context, userID, conversationID, text string, metadata json.RawMessage) (*Receipt, error) {
	if _, err := s.chat.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	content := models.TextContent(text)
	if meta := bytes.TrimSpace(metadata); len(meta) > 0 && !bytes.Equal(meta, []byte("null")) {
		var obj map[string]any
		if err := json.Unmarshal(meta, &obj); err != nil {
			return nil, ErrInvalidMetadata
		}
		content.Metadata = json.RawMessage(meta)
	}

	var (
		msg *models.Message
		run *models.Run
	)
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		msg, err = s.chat.AppendMessage(ctx, tx, conversationID, models.RoleUser, content)
		if err != nil {
			return err
		}
		run, err = s.ledger.Create(ctx, tx, conversationID, msg.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("accept message: %w", err)
	}
	s.metrics.Increment(metrics.RunsAccepted)

	receipt := &Receipt{MessageID: msg.ID, RunID: run.ID, Status: models.RunQueued}
	log := logging.FromContext(ctx).With(zap.String("run_id", run.ID), zap.String("message_id", msg.ID))

	// the row is committed; a client disconnect must not cancel the hand-off
	detached := context.WithoutCancel(ctx)
	enqCtx, cancel := context.WithTimeout(detached, s.enqueueTimeout)
	err = s.queue.Enqueue(enqCtx, run.ID)
	cancel()
	if err != nil {
		s.metrics.Increment(metrics.EnqueueFailures)
		log.Error("enqueue run", zap.Error(err))
		// a timed out enqueue has spent enqCtx, so the repair gets its own
		failCtx, failCancel := context.WithTimeout(detached, repairTimeout)
		defer failCancel()
		ok, ferr := s.ledger.FailQueued(failCtx, run.ID, "enqueue failure: "+err.Error())
		if ferr != nil {
			// still queued; the janitor re-enqueues it once it is stale
			log.Error("mark run failed after enqueue failure", zap.Error(ferr))
			return receipt, nil
		}
		if ok {
			receipt.Status = models.RunFailed
		}
		return receipt, nil
	}
	log.Info("run accepted")
	return receipt, nil
}
