package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"offsync/internal/constants"
	"offsync/internal/database"
	"offsync/internal/errors"
	"offsync/internal/metrics"
	"offsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Status is the engine's view of sync health for operators.
type Status struct {
	Running             bool                   `json:"running"`
	Connected           bool                   `json:"connected"`
	DeviceID            string                 `json:"deviceId"`
	Queue               models.QueueCounts     `json:"queue"`
	PermanentlyFailed   int                    `json:"permanentlyFailed"`
	LastSyncAt          *time.Time             `json:"lastSyncAt,omitempty"`
	LastServerTimestamp int64                  `json:"lastServerTimestamp,omitempty"`
	LastError           string                 `json:"lastError,omitempty"`
	Remote              *models.StatusResponse `json:"remote,omitempty"`
	RemoteError         string                 `json:"remoteError,omitempty"`
}

// Status combines local queue counts with the authority's view. An
// unreachable authority is reported in RemoteError, not as an error.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	deviceID, err := e.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.db.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}
	cfg := e.config()
	stuck, err := e.db.PermanentlyFailed(ctx, cfg.RetryCeiling)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := &Status{
		Running:           e.running,
		DeviceID:          deviceID,
		Queue:             counts,
		PermanentlyFailed: len(stuck),
		LastSyncAt:        e.lastSyncAt,
		LastError:         e.lastError,
	}
	e.mu.Unlock()

	if e.channel != nil {
		st.Connected = e.channel.Connected()
	}
	if ts, ok, err := e.db.GetMeta(ctx, constants.LastSyncTimestampKey); err == nil && ok {
		st.LastServerTimestamp, _ = strconv.ParseInt(ts, 10, 64)
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	remote, err := e.remote.Status(callCtx, deviceID)
	if err != nil {
		st.RemoteError = err.Error()
	} else {
		st.Remote = remote
	}
	return st, nil
}

// FailedEntries lists every FAILED queue entry, oldest first.
func (e *Engine) FailedEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	return e.db.ListByStatus(ctx, models.StatusFailed, 0)
}

// ResetFailed is the operator override: FAILED entries return to PENDING
// with their attempts cleared, and a drain is requested.
func (e *Engine) ResetFailed(ctx context.Context) (int64, error) {
	n, err := e.db.ResetFailed(ctx)
	if err != nil {
		return 0, err
	}
	e.logger.WithField("reset", n).Info("Failed sync operations reset by operator")
	if n > 0 {
		e.TriggerSync()
	}
	return n, nil
}

// FullSyncResult summarizes a bootstrap from the authority snapshot.
type FullSyncResult struct {
	Applied        int      `json:"applied"`
	SkippedDirty   int      `json:"skippedDirty"`
	SkippedInvalid int      `json:"skippedInvalid"`
	UnknownTypes   []string `json:"unknownTypes,omitempty"`
	Timestamp      int64    `json:"timestamp"`
}

// FullSync overwrites local records with the authority's snapshot. Records
// with undelivered local changes are left alone, and collections not
// registered locally are skipped.
func (e *Engine) FullSync(ctx context.Context) (*FullSyncResult, error) {
	deviceID, err := e.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config().RequestTimeout)
	snapshot, err := e.remote.FullSync(callCtx, deviceID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot: %w", err)
	}

	result := &FullSyncResult{Timestamp: snapshot.Timestamp}
	now := e.now()

	for collection, records := range snapshot.Entities {
		if !e.db.HasCollection(collection) {
			result.UnknownTypes = append(result.UnknownTypes, collection)
			e.logger.WithField(LogFieldCollection, collection).Warn("Skipping unknown collection in snapshot")
			continue
		}

		err := e.db.WithTx(ctx, func(tx *database.Tx) error {
			for _, record := range records {
				id := recordID(record)
				if id == "" {
					result.SkippedInvalid++
					continue
				}
				state, err := tx.GetSyncState(ctx, collection, id)
				if err != nil && !errors.IsNotFound(err) {
					return err
				}
				if state != nil && state.IsDirty {
					result.SkippedDirty++
					continue
				}
				if err := tx.Put(ctx, collection, id, record); err != nil {
					return err
				}
				if err := tx.RefreshSyncState(ctx, collection, id, &now); err != nil {
					return err
				}
				result.Applied++
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply snapshot for %s: %w", collection, err)
		}
	}

	if snapshot.Timestamp > 0 {
		if err := e.db.SetMeta(ctx, constants.LastSyncTimestampKey, strconv.FormatInt(snapshot.Timestamp, 10)); err != nil {
			return nil, err
		}
	}

	metrics.AddToCounter(metricFullSyncApplied, float64(result.Applied), nil, "Records written by full sync")
	e.logger.WithFields(logrus.Fields{
		"applied":       result.Applied,
		"skipped_dirty": result.SkippedDirty,
	}).Info("Full sync completed")
	return result, nil
}

func recordID(record json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(record, &meta) != nil {
		return ""
	}
	return meta.ID
}
