package models

import (
	"encoding/json"
	"time"
)

// SyncState tracks whether a local entity still has undelivered changes
type SyncState struct {
	Collection    string     `json:"entityType"`
	EntityID      string     `json:"entityId"`
	LastSynced    *time.Time `json:"lastSynced,omitempty"`
	IsDirty       bool       `json:"isDirty"`
	ServerVersion *string    `json:"serverVersion,omitempty"`
}

// ResolutionMode selects how a conflict is settled
type ResolutionMode string

const (
	ResolutionClientWins ResolutionMode = "CLIENT_WINS"
	ResolutionServerWins ResolutionMode = "SERVER_WINS"
	ResolutionMerge      ResolutionMode = "MERGE"
)

// ParseResolutionMode rejects empty and unknown modes.
func ParseResolutionMode(s string) (ResolutionMode, bool) {
	switch m := ResolutionMode(s); m {
	case ResolutionClientWins, ResolutionServerWins, ResolutionMerge:
		return m, true
	}
	return "", false
}

// Conflict is reported by the authority when a submitted change collides
// with a newer server version. ServerVersion is JSON null when the entity
// was deleted on the server.
type Conflict struct {
	Collection    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ClientVersion json.RawMessage `json:"clientVersion,omitempty"`
	ServerVersion json.RawMessage `json:"serverVersion,omitempty"`
}

// ServerDeleted reports whether the server side of the conflict is absent.
func (c Conflict) ServerDeleted() bool {
	s := string(c.ServerVersion)
	return s == "" || s == "null"
}

// ConflictRecord is the persisted outcome of one settled conflict.
type ConflictRecord struct {
	ID            int64           `json:"id"`
	Collection    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	ClientVersion json.RawMessage `json:"clientVersion,omitempty"`
	ServerVersion json.RawMessage `json:"serverVersion,omitempty"`
	Resolution    ResolutionMode  `json:"resolution"`
	Error         *string         `json:"error,omitempty"`
	ResolvedAt    time.Time       `json:"resolvedAt"`
}
