package models

import "encoding/json"

// BatchOperation is one queue entry as sent to POST /sync/batch
type BatchOperation struct {
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	Operation      OperationKind   `json:"operation"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	ClientID       string          `json:"clientId"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// BatchRequest is the body of POST /sync/batch
type BatchRequest struct {
	Operations        []BatchOperation `json:"operations"`
	DeviceID          string           `json:"deviceId"`
	LastSyncTimestamp int64            `json:"lastSyncTimestamp"`
}

// BatchItemResult is the authority's verdict on one operation
type BatchItemResult struct {
	EntityType string        `json:"entityType"`
	EntityID   string        `json:"entityId"`
	Operation  OperationKind `json:"operation"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	ErrorClass ErrorClass    `json:"errorClass,omitempty"`
}

// BatchResponse is the reply to POST /sync/batch
type BatchResponse struct {
	Results      []BatchItemResult `json:"results"`
	Conflicts    []Conflict        `json:"conflicts"`
	HasConflicts bool              `json:"hasConflicts"`
	Timestamp    int64             `json:"timestamp"`
}

// StatusResponse is the reply to GET /sync/status
type StatusResponse struct {
	PendingCount    int   `json:"pendingCount"`
	ServerTimestamp int64 `json:"serverTimestamp"`
	LastSyncedAt    int64 `json:"lastSyncedAt,omitempty"`
}

// FullSyncResponse is the reply to GET /sync/full
type FullSyncResponse struct {
	Entities  map[string][]json.RawMessage `json:"entities"`
	Timestamp int64                        `json:"timestamp"`
}

// ResolveRequest is the body of POST /sync/resolve
type ResolveRequest struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Resolution ResolutionMode  `json:"resolution"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// FrameType tags a persistent channel message
type FrameType string

const (
	FramePing             FrameType = "PING"
	FramePong             FrameType = "PONG"
	FrameSyncNotification FrameType = "SYNC_NOTIFICATION"
	FrameEntityChanged    FrameType = "ENTITY_CHANGED"
	FrameSyncCompleted    FrameType = "SYNC_COMPLETED"
)

// Frame is a JSON message on the persistent channel
type Frame struct {
	Type               FrameType `json:"type"`
	DeviceID           string    `json:"deviceId,omitempty"`
	EntityType         string    `json:"entityType,omitempty"`
	EntityID           string    `json:"entityId,omitempty"`
	ChangedEntityTypes []string  `json:"changedEntityTypes,omitempty"`
	Timestamp          int64     `json:"timestamp,omitempty"`
}
