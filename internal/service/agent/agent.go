// Package agent produces the assistant reply for a run.
package agent

import (
	"context"
	"errors"
	"strings"

	"agentchat/internal/models"
)

// Agent generates one reply. history is ordered oldest first and ends with
// the message that triggered the run.
type Agent interface {
	Reply(ctx context.Context, history []*models.Message) (string, error)
}

// Func adapts a function to Agent.
type Func func(ctx context.Context, history []*models.Message) (string, error)

func (f Func) Reply(ctx context.Context, history []*models.Message) (string, error) {
	return f(ctx, history)
}

// ErrNoInput is returned when the history holds no user text to answer.
var ErrNoInput = errors.New("no user message to answer")

// Echo answers "Echo: <text>" to the latest user text. It is used when no
// model provider is configured.
type Echo struct{}

func (Echo) Reply(ctx context.Context, history []*models.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, ok := LastUserText(history)
	if !ok {
		return "", ErrNoInput
	}
	return "Echo: " + text, nil
}

// LastUserText returns the text of the most recent user text message.
func LastUserText(history []*models.Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg == nil || msg.Role != models.RoleUser || msg.Content.Type != models.ContentText {
			continue
		}
		return strings.TrimSpace(msg.Content.Text), true
	}
	return "", false
}
