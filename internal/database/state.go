package database

import (
	"context"
	"database/sql"
	"time"

	"offsync/internal/errors"
	"offsync/internal/models"
)

func (d *Database) GetSyncState(ctx context.Context, collection, entityID string) (*models.SyncState, error) {
	return getSyncState(ctx, d.db, collection, entityID)
}

func (t *Tx) GetSyncState(ctx context.Context, collection, entityID string) (*models.SyncState, error) {
	return getSyncState(ctx, t.tx, collection, entityID)
}

func getSyncState(ctx context.Context, q querier, collection, entityID string) (*models.SyncState, error) {
	var (
		lastSynced    sql.NullInt64
		dirty         bool
		serverVersion sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT last_synced, is_dirty, server_version FROM sync_state WHERE entity_type = ? AND entity_id = ?
	`, collection, entityID).Scan(&lastSynced, &dirty, &serverVersion)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("sync state", collection+"/"+entityID)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get sync state", err)
	}

	return &models.SyncState{
		Collection:    collection,
		EntityID:      entityID,
		LastSynced:    nullableTime(lastSynced),
		IsDirty:       dirty,
		ServerVersion: nullableString(serverVersion),
	}, nil
}

// MarkDirty flags an entity as having undelivered changes.
func (t *Tx) MarkDirty(ctx context.Context, collection, entityID string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, entity_id, is_dirty) VALUES (?, ?, 1)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET is_dirty = 1
	`, collection, entityID)
	if err != nil {
		return errors.NewDatabaseError("mark dirty", err).WithContext("entity_id", entityID)
	}
	return nil
}

// RefreshSyncState recomputes the dirty flag from the queue. A non-nil
// synced time also moves last_synced forward.
func (t *Tx) RefreshSyncState(ctx context.Context, collection, entityID string, synced *time.Time) error {
	var syncedAt any
	if synced != nil {
		syncedAt = toMillis(*synced)
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, entity_id, last_synced, is_dirty)
		VALUES (?, ?, ?, EXISTS (
			SELECT 1 FROM sync_queue
			WHERE entity_type = ? AND entity_id = ? AND status <> 'COMPLETED'
		))
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			is_dirty = excluded.is_dirty,
			last_synced = COALESCE(excluded.last_synced, sync_state.last_synced)
	`, collection, entityID, syncedAt, collection, entityID)
	if err != nil {
		return errors.NewDatabaseError("refresh sync state", err).WithContext("entity_id", entityID)
	}
	return nil
}

// SetServerVersion stores the authority's version token for an entity.
func (t *Tx) SetServerVersion(ctx context.Context, collection, entityID, version string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_state (entity_type, entity_id, server_version) VALUES (?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET server_version = excluded.server_version
	`, collection, entityID, version)
	if err != nil {
		return errors.NewDatabaseError("set server version", err).WithContext("entity_id", entityID)
	}
	return nil
}

// GetMeta returns the value for key and whether it was present.
func (d *Database) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewDatabaseError("get meta", err).WithContext("key", key)
	}
	return value, true, nil
}

func (d *Database) SetMeta(ctx context.Context, key, value string) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		return setMeta(ctx, d.db, key, value)
	}, "set meta")
}

func (t *Tx) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, t.tx, key, value)
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, toMillis(time.Now()))
	if err != nil {
		return errors.NewDatabaseError("set meta", err).WithContext("key", key)
	}
	return nil
}

// SetMetaIfAbsent stores value unless key already exists and returns the
// value that is stored afterwards.
func (d *Database) SetMetaIfAbsent(ctx context.Context, key, value string) (string, error) {
	var stored string
	err := d.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
			key, value, toMillis(time.Now())); err != nil {
			return errors.NewDatabaseError("set meta", err).WithContext("key", key)
		}
		return tx.tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&stored)
	})
	return stored, err
}

// RecordConflict appends a settled conflict to the conflict log.
func (t *Tx) RecordConflict(ctx context.Context, rec *models.ConflictRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (entity_type, entity_id, client_version, server_version, resolution, error, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Collection, rec.EntityID, nullableJSON(rec.ClientVersion), nullableJSON(rec.ServerVersion),
		string(rec.Resolution), rec.Error, toMillis(rec.ResolvedAt))
	if err != nil {
		return errors.NewDatabaseError("record conflict", err).WithContext("entity_id", rec.EntityID)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

func (d *Database) RecordConflict(ctx context.Context, rec *models.ConflictRecord) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		return tx.RecordConflict(ctx, rec)
	})
}

// ListConflicts returns the most recent conflicts first.
func (d *Database) ListConflicts(ctx context.Context, limit int) ([]models.ConflictRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, client_version, server_version, resolution, error, resolved_at
		FROM sync_conflicts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list conflicts", err)
	}
	defer rows.Close()

	var out []models.ConflictRecord
	for rows.Next() {
		var (
			rec            models.ConflictRecord
			client, server sql.NullString
			resolution     string
			errMsg         sql.NullString
			resolvedAt     int64
		)
		if err := rows.Scan(&rec.ID, &rec.Collection, &rec.EntityID, &client, &server, &resolution, &errMsg, &resolvedAt); err != nil {
			return nil, errors.NewDatabaseError("scan conflict", err)
		}
		if client.Valid {
			rec.ClientVersion = []byte(client.String)
		}
		if server.Valid {
			rec.ServerVersion = []byte(server.String)
		}
		rec.Resolution = models.ResolutionMode(resolution)
		rec.Error = nullableString(errMsg)
		rec.ResolvedAt = fromMillis(resolvedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
