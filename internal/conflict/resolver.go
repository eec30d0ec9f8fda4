// Package conflict settles conflicts reported by the authority when a
// submitted change collides with a newer server version.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"offsync/internal/database"
	"offsync/internal/errors"
	"offsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Remote reports resolutions to the authority.
type Remote interface {
	Resolve(ctx context.Context, req *models.ResolveRequest) error
}

// Resolver applies a policy's decision locally and reports it upstream.
type Resolver struct {
	db     *database.Database
	remote Remote
	logger *logrus.Logger
	now    func() time.Time
}

func NewResolver(db *database.Database, remote Remote, logger *logrus.Logger) *Resolver {
	return &Resolver{
		db:     db,
		remote: remote,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve settles c with policy. entry is the queue entry whose submission
// produced the conflict; it is completed in the same transaction that
// updates the local record. A nil entry only updates the local record.
//
// The authority is told about the resolution before anything changes
// locally, so a failed report leaves local state untouched.
func (r *Resolver) Resolve(ctx context.Context, c models.Conflict, entry *models.QueueEntry, policy Policy) (*models.ConflictRecord, error) {
	if policy == nil {
		return nil, errors.NewConflictError(c.Collection, c.EntityID, fmt.Errorf("no resolution policy"))
	}
	if !r.db.HasCollection(c.Collection) {
		return nil, errors.NewConflictError(c.Collection, c.EntityID, fmt.Errorf("unknown collection"))
	}

	decision, err := policy.Decide(ctx, c)
	if err != nil {
		return nil, errors.NewConflictError(c.Collection, c.EntityID, err)
	}

	req := &models.ResolveRequest{
		EntityType: c.Collection,
		EntityID:   c.EntityID,
		Resolution: decision.Mode,
	}
	switch decision.Mode {
	case models.ResolutionClientWins:
		data, err := r.clientData(ctx, c, entry)
		if err != nil {
			return nil, errors.NewConflictError(c.Collection, c.EntityID, err)
		}
		req.Data = data
	case models.ResolutionMerge:
		req.Data = decision.Merged
	}

	if err := r.remote.Resolve(ctx, req); err != nil {
		return nil, errors.NewConflictError(c.Collection, c.EntityID, err)
	}

	rec := &models.ConflictRecord{
		Collection:    c.Collection,
		EntityID:      c.EntityID,
		ClientVersion: c.ClientVersion,
		ServerVersion: c.ServerVersion,
		Resolution:    decision.Mode,
		ResolvedAt:    r.now(),
	}

	now := r.now()
	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		switch decision.Mode {
		case models.ResolutionServerWins:
			if err := applyServerVersion(ctx, tx, c); err != nil {
				return err
			}
			if entry != nil {
				if err := tx.StripPayload(ctx, entry); err != nil {
					return err
				}
			}
		case models.ResolutionMerge:
			if err := tx.Put(ctx, c.Collection, c.EntityID, decision.Merged); err != nil {
				return err
			}
		}

		if entry != nil {
			if err := tx.MarkCompleted(ctx, entry, now); err != nil {
				return err
			}
		} else if err := tx.RefreshSyncState(ctx, c.Collection, c.EntityID, &now); err != nil {
			return err
		}
		return tx.RecordConflict(ctx, rec)
	})
	if err != nil {
		return nil, errors.NewConflictError(c.Collection, c.EntityID, err)
	}

	r.logger.WithFields(logrus.Fields{
		"collection": c.Collection,
		"entity_id":  c.EntityID,
		"resolution": string(decision.Mode),
	}).Info("Resolved sync conflict")

	return rec, nil
}

// clientData is the version CLIENT_WINS resubmits: the one the authority
// echoed back, else the queued payload, else the current local record.
// A record deleted locally resolves to no data.
func (r *Resolver) clientData(ctx context.Context, c models.Conflict, entry *models.QueueEntry) (json.RawMessage, error) {
	if len(c.ClientVersion) > 0 && string(c.ClientVersion) != "null" {
		return c.ClientVersion, nil
	}
	if entry != nil && len(entry.Payload) > 0 {
		return entry.Payload, nil
	}
	data, err := r.db.Get(ctx, c.Collection, c.EntityID)
	if errors.IsNotFound(err) {
		return nil, nil
	}
	return data, err
}

// applyServerVersion writes the server's bytes unchanged, or removes the
// local record when the server deleted it.
func applyServerVersion(ctx context.Context, tx *database.Tx, c models.Conflict) error {
	if c.ServerDeleted() {
		if err := tx.Delete(ctx, c.Collection, c.EntityID); err != nil && !errors.IsNotFound(err) {
			return err
		}
		return nil
	}

	if err := tx.Put(ctx, c.Collection, c.EntityID, c.ServerVersion); err != nil {
		return err
	}
	if token := versionToken(c.ServerVersion); token != "" {
		return tx.SetServerVersion(ctx, c.Collection, c.EntityID, token)
	}
	return nil
}

// versionToken uses the server record's updatedAt as its version.
func versionToken(server json.RawMessage) string {
	var meta struct {
		UpdatedAt json.RawMessage `json:"updatedAt"`
	}
	if json.Unmarshal(server, &meta) != nil || len(meta.UpdatedAt) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(meta.UpdatedAt, &s) == nil {
		return s
	}
	return string(meta.UpdatedAt)
}
