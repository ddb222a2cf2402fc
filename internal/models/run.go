package models

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Run is one asynchronous agent execution triggered by a single user message.
type Run struct {
	ID               string     `json:"id"`
	ConversationID   string     `json:"conversation_id"`
	TriggerMessageID string     `json:"trigger_message_id"`
	Status           RunStatus  `json:"status"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	LastError        *string    `json:"last_error"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DeliveryStatus is the state of an outbound integration notification.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySucceeded DeliveryStatus = "succeeded"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt records the retry bookkeeping for notifying the
// integration endpoint about one Run.
type DeliveryAttempt struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError *string        `json:"last_error"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Media is a binary artifact produced by a run, stored on disk.
type Media struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	RunID          string    `json:"run_id"`
	MediaType      string    `json:"media_type"`
	StoragePath    string    `json:"-"`
	Digest         string    `json:"digest"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
}
