package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/storage"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ErrMessageNotFound is returned when a message id is unknown.
var ErrMessageNotFound = errors.New("message not found")

// ListOptions narrows a message listing. AfterID and Since may be combined;
// an AfterID that does not belong to the conversation is ignored.
type ListOptions struct {
	AfterID string
	Since   *time.Time
	Limit   int
}

const messageColumns = `id, conversation_id, role, content_json, created_at`

// AppendMessage persists a message. q may be a transaction; when it is nil
// the insert runs in its own.
//
// created_at is stamped from the conversation row, which the insert updates
// first. That row lock serializes writers of one conversation, so messages
// commit in created_at order and an after_id cursor never passes over a
// message that has yet to commit.
func (s *Service) AppendMessage(ctx context.Context, q storage.Querier, conversationID string, role models.Role, content models.Content) (*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if content.Type == models.ContentText && strings.TrimSpace(content.Text) == "" {
		return nil, errors.New("content cannot be empty")
	}
	if err := content.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	msg := &models.Message{
		ID:             models.NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if q != nil {
		err = s.insertMessage(ctx, q, msg, raw)
	} else {
		err = s.db.WithTx(ctx, func(tx *storage.Tx) error {
			return s.insertMessage(ctx, tx, msg, raw)
		})
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Service) insertMessage(ctx context.Context, q storage.Querier, msg *models.Message, raw []byte) error {
	now := storage.Timestamp(s.now())
	res, err := q.ExecContext(ctx,
		`UPDATE conversations
		 SET last_message_at = CASE WHEN last_message_at >= ? THEN last_message_at + 1 ELSE ? END
		 WHERE id = ?`,
		now, now, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("stamp message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("stamp message: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	var stamp int64
	if err := q.QueryRowContext(ctx,
		`SELECT last_message_at FROM conversations WHERE id = ?`, msg.ConversationID,
	).Scan(&stamp); err != nil {
		return fmt.Errorf("stamp message: %w", err)
	}
	msg.CreatedAt = storage.FromTimestamp(stamp)

	_, err = q.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), string(raw), stamp,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Message loads one message by id.
func (s *Service) Message(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages in ascending (created_at, id) order. An
// empty conversation yields an empty, non-nil slice.
func (s *Service) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]*models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var (
		where = []string{"conversation_id = ?"}
		args  = []any{conversationID}
	)
	if opts.AfterID != "" {
		var anchor int64
		err := s.db.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE id = ? AND conversation_id = ?`,
			opts.AfterID, conversationID,
		).Scan(&anchor)
		switch {
		case err == nil:
			where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
			args = append(args, anchor, anchor, opts.AfterID)
		case errors.Is(err, sql.ErrNoRows):
		default:
			return nil, fmt.Errorf("resolve after_id: %w", err)
		}
	}
	if opts.Since != nil {
		where = append(where, "created_at > ?")
		args = append(args, storage.Timestamp(*opts.Since))
	}
	args = append(args, limit)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, id ASC LIMIT ?`
	return s.queryMessages(ctx, query, args...)
}

// History returns the conversation up to and including the given message,
// in ascending order. Messages written after it are excluded so a slow run
// never sees replies from later runs.
func (s *Service) History(ctx context.Context, conversationID, uptoMessageID string) ([]*models.Message, error) {
	upto, err := s.Message(ctx, uptoMessageID)
	if err != nil {
		return nil, err
	}
	if upto.ConversationID != conversationID {
		return nil, ErrMessageNotFound
	}
	ts := storage.Timestamp(upto.CreatedAt)
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? AND (created_at < ? OR (created_at = ? AND id <= ?))
		 ORDER BY created_at ASC, id ASC`,
		conversationID, ts, ts, upto.ID,
	)
}

func (s *Service) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	msgs := make([]*models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		role      string
		raw       string
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &raw, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &msg.Content); err != nil {
		return nil, fmt.Errorf("decode content of %s: %w", msg.ID, err)
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = storage.FromTimestamp(createdAt)
	return &msg, nil
}
