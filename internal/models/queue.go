package models

import "time"

type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSaving  QueueStatus = "saving"
	QueueStatusSaved   QueueStatus = "saved"
	QueueStatusQueued  QueueStatus = "queued"
	// QueueStatusFailed is the exhausted state: kept and surfaced, never retried automatically
	QueueStatusFailed QueueStatus = "error-terminal"
)

// Completed reports the terminal success states
func (s QueueStatus) Completed() bool {
	return s == QueueStatusSaved || s == QueueStatusQueued
}

// QueueRecord is a unit of pending work in the save queue
type QueueRecord struct {
	ID          string      `json:"id"`
	Payload     Product     `json:"payload"`
	HasPrice    bool        `json:"has_price"`
	Attempts    int         `json:"attempts"`
	LastAttempt time.Time   `json:"last_attempt,omitzero"`
	Status      QueueStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	Note        string      `json:"note,omitempty"`
	RemoteID    string      `json:"remote_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// QueueStats are the per-status counts shown to the cashier
type QueueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Saving  int `json:"saving"`
	Saved   int `json:"saved"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}
