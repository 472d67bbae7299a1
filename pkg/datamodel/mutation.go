package datamodel

import (
	"time"

	"github.com/goccy/go-json"
)

// MutationStatus is the lifecycle state of a queued mutation.
// Transitions only ever go pending -> processing -> {synced, pending, failed}.
// synced and failed are terminal.
type MutationStatus string

const (
	MutationPending    MutationStatus = "pending"
	MutationProcessing MutationStatus = "processing"
	MutationSynced     MutationStatus = "synced"
	MutationFailed     MutationStatus = "failed"
)

// Mutation actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// IsValidAction reports whether action is one of create/update/delete.
func IsValidAction(action string) bool {
	return action == ActionCreate || action == ActionUpdate || action == ActionDelete
}

// DefaultMaxAttempts is the retry budget for a mutation before it is parked
// as failed for manual intervention.
const DefaultMaxAttempts = 3

// MutationRecord is the unit of queued work: one create/update/delete intent
// against one domain entity, tagged with a stable idempotency key so that
// retries and app restarts never produce duplicate remote rows.
type MutationRecord struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EntityType     string          `json:"entity_type"`
	Action         string          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         MutationStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
}

// Terminal reports whether the record will never be processed again.
func (m *MutationRecord) Terminal() bool {
	return m.Status == MutationSynced || m.Status == MutationFailed
}

// Due reports whether the record is eligible for the next drain pass.
func (m *MutationRecord) Due(now time.Time) bool {
	if m.Status != MutationPending {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

// QueueStats is the snapshot surfaced to the UI layer.
type QueueStats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}
