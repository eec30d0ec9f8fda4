package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationKind is the mutation a queue entry replays on the authority
type OperationKind string

const (
	OperationCreate OperationKind = "CREATE"
	OperationUpdate OperationKind = "UPDATE"
	OperationDelete OperationKind = "DELETE"
)

// Valid reports whether k is one of the three known operations.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue entry
type QueueStatus string

const (
	StatusPending    QueueStatus = "PENDING"
	StatusProcessing QueueStatus = "PROCESSING"
	StatusFailed     QueueStatus = "FAILED"
	StatusCompleted  QueueStatus = "COMPLETED"
)

// ErrorClass separates failures worth retrying from those that are not
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "TRANSIENT"
	ErrorClassPermanent ErrorClass = "PERMANENT"
)

// QueueEntry is one recorded local mutation awaiting delivery.
type QueueEntry struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Collection  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	Operation   OperationKind   `json:"operation"`
	Payload     json.RawMessage `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"clientId"`
	Attempts    int             `json:"attempts"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
	LastError   *string         `json:"error,omitempty"`
	ErrorClass  ErrorClass      `json:"errorClass,omitempty"`
	Status      QueueStatus     `json:"status"`
}

// NewQueueEntry builds a PENDING entry. DELETE entries must not carry a payload
// and CREATE/UPDATE entries must.
func NewQueueEntry(id, collection, entityID string, op OperationKind, payload json.RawMessage, deviceID string, now time.Time) (*QueueEntry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if op == OperationDelete && len(payload) > 0 {
		return nil, fmt.Errorf("delete entry for %s/%s must not carry a payload", collection, entityID)
	}
	if op != OperationDelete && len(payload) == 0 {
		return nil, fmt.Errorf("%s entry for %s/%s requires a payload", op, collection, entityID)
	}

	return &QueueEntry{
		ID:         id,
		Collection: collection,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  now,
		Timestamp:  now,
		DeviceID:   deviceID,
		Status:     StatusPending,
	}, nil
}

// QueueCounts is a per-status tally of the local queue
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
	Total      int `json:"total"`
}
