package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"offsync/internal/errors"
	"offsync/internal/models"
)

const queueColumns = `seq, id, entity_type, entity_id, operation, payload, created_at, timestamp,
	client_id, attempts, last_attempt, error, error_class, status`

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanQueueEntry(s rowScanner) (*models.QueueEntry, error) {
	var (
		e           models.QueueEntry
		payload     sql.NullString
		createdAt   int64
		timestamp   int64
		lastAttempt sql.NullInt64
		lastError   sql.NullString
		errorClass  string
		operation   string
		status      string
	)

	err := s.Scan(&e.Seq, &e.ID, &e.Collection, &e.EntityID, &operation, &payload, &createdAt, &timestamp,
		&e.DeviceID, &e.Attempts, &lastAttempt, &lastError, &errorClass, &status)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		data, err := d.encryptor.Open(payload.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt queue payload %s: %w", e.ID, err)
		}
		e.Payload = json.RawMessage(data)
	}

	e.Operation = models.OperationKind(operation)
	e.Status = models.QueueStatus(status)
	e.ErrorClass = models.ErrorClass(errorClass)
	e.CreatedAt = fromMillis(createdAt)
	e.Timestamp = fromMillis(timestamp)
	e.LastAttempt = nullableTime(lastAttempt)
	e.LastError = nullableString(lastError)
	return &e, nil
}

func (d *Database) queryQueue(ctx context.Context, q querier, query string, args ...any) ([]*models.QueueEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("query queue", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		e, err := d.scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return entries, nil
}

// AppendQueueEntry stores e, sets e.Seq and marks the entity dirty.
func (t *Tx) AppendQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	if e.Operation == models.OperationDelete && len(e.Payload) > 0 {
		return errors.NewValidationError("payload", e.EntityID, "delete entries must not carry a payload")
	}

	var payload any
	if len(e.Payload) > 0 {
		sealed, err := t.d.encryptor.Seal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt queue payload: %w", err)
		}
		payload = sealed
	}

	status := e.Status
	if status == "" {
		status = models.StatusPending
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, created_at, timestamp,
			client_id, attempts, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Collection, e.EntityID, string(e.Operation), payload, toMillis(e.CreatedAt), toMillis(e.Timestamp),
		e.DeviceID, e.Attempts, string(status))
	if err != nil {
		return errors.NewDatabaseError("append queue entry", err).WithContext("entity_id", e.EntityID)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return errors.NewDatabaseError("append queue entry", err)
	}
	e.Seq = seq
	e.Status = status

	return t.MarkDirty(ctx, e.Collection, e.EntityID)
}

func (d *Database) AppendQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		return tx.AppendQueueEntry(ctx, e)
	})
}

// NextPendingBatch returns up to limit PENDING entries in queue order. An
// entry is skipped while an older entry for the same entity is PROCESSING
// or FAILED.
func (d *Database) NextPendingBatch(ctx context.Context, limit int) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	return d.queryQueue(ctx, d.db, `
		SELECT `+queueColumns+` FROM sync_queue q
		WHERE q.status = 'PENDING'
		AND NOT EXISTS (
			SELECT 1 FROM sync_queue o
			WHERE o.entity_type = q.entity_type
			AND o.entity_id = q.entity_id
			AND o.seq < q.seq
			AND o.status IN ('PROCESSING', 'FAILED')
		)
		ORDER BY q.seq
		LIMIT ?
	`, limit)
}

// MarkProcessing flips PENDING entries to PROCESSING, increments attempts
// and stamps the attempt time. The in-memory entries are updated to match.
func (d *Database) MarkProcessing(ctx context.Context, entries []*models.QueueEntry, now time.Time) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]any, 0, len(entries)+1)
	ids = append(ids, toMillis(now))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entries)), ",")

	err := d.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'PROCESSING', attempts = attempts + 1, last_attempt = ?
			WHERE status = 'PENDING' AND id IN (`+placeholders+`)
		`, ids...)
		if err != nil {
			return errors.NewDatabaseError("mark processing", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.NewDatabaseError("mark processing", err)
		}
		if int(n) != len(entries) {
			return fmt.Errorf("expected %d pending entries, updated %d", len(entries), n)
		}
		return nil
	})
	if err != nil {
		return err
	}

	stamp := fromMillis(toMillis(now))
	for _, e := range entries {
		e.Status = models.StatusProcessing
		e.Attempts++
		at := stamp
		e.LastAttempt = &at
	}
	return nil
}

// MarkCompleted finishes an entry and refreshes its entity's sync state.
func (t *Tx) MarkCompleted(ctx context.Context, e *models.QueueEntry, now time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'COMPLETED', error = NULL, error_class = '' WHERE id = ?
	`, e.ID)
	if err != nil {
		return errors.NewDatabaseError("mark completed", err).WithContext("queue_id", e.ID)
	}
	e.Status = models.StatusCompleted
	e.LastError = nil
	e.ErrorClass = ""
	return t.RefreshSyncState(ctx, e.Collection, e.EntityID, &now)
}

func (d *Database) MarkCompleted(ctx context.Context, e *models.QueueEntry, now time.Time) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkCompleted(ctx, e, now)
	})
}

// MarkFailed records the failure message and its retry class.
func (t *Tx) MarkFailed(ctx context.Context, e *models.QueueEntry, message string, class models.ErrorClass) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'FAILED', error = ?, error_class = ? WHERE id = ?
	`, message, string(class), e.ID)
	if err != nil {
		return errors.NewDatabaseError("mark failed", err).WithContext("queue_id", e.ID)
	}
	e.Status = models.StatusFailed
	msg := message
	e.LastError = &msg
	e.ErrorClass = class
	return t.RefreshSyncState(ctx, e.Collection, e.EntityID, nil)
}

// MarkFailed fails every entry with the same message in one transaction.
func (d *Database) MarkFailed(ctx context.Context, entries []*models.QueueEntry, message string, class models.ErrorClass) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		for _, e := range entries {
			if err := tx.MarkFailed(ctx, e, message, class); err != nil {
				return err
			}
		}
		return nil
	})
}

// StripPayload drops the stored payload of an entry superseded by the server.
func (t *Tx) StripPayload(ctx context.Context, e *models.QueueEntry) error {
	if _, err := t.tx.ExecContext(ctx, `UPDATE sync_queue SET payload = NULL WHERE id = ?`, e.ID); err != nil {
		return errors.NewDatabaseError("strip payload", err).WithContext("queue_id", e.ID)
	}
	e.Payload = nil
	return nil
}

// RequeueFailedBelow returns FAILED entries to PENDING when their retry
// count (attempts - 1) is below ceiling and the failure was not permanent.
// Attempts are left untouched.
func (d *Database) RequeueFailedBelow(ctx context.Context, ceiling int) (int64, error) {
	var n int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'PENDING'
			WHERE status = 'FAILED' AND attempts - 1 < ? AND error_class <> ?
		`, ceiling, string(models.ErrorClassPermanent))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}, "requeue failed entries")
	if err != nil {
		return 0, errors.NewDatabaseError("requeue failed entries", err)
	}
	return n, nil
}

// ResetFailed is the operator reset: every FAILED entry goes back to PENDING
// with zero attempts and no recorded error.
func (d *Database) ResetFailed(ctx context.Context) (int64, error) {
	var n int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET status = 'PENDING', attempts = 0, error = NULL, error_class = '', last_attempt = NULL
			WHERE status = 'FAILED'
		`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}, "reset failed entries")
	if err != nil {
		return 0, errors.NewDatabaseError("reset failed entries", err)
	}
	return n, nil
}

// RecoverProcessing fails entries left PROCESSING by an interrupted run so
// they stay eligible for retry.
func (d *Database) RecoverProcessing(ctx context.Context) (int64, error) {
	var n int64
	err := retryableDBOperationNoReturn(ctx, func() error {
		res, err := d.db.ExecContext(ctx, `
			UPDATE sync_queue SET status = 'FAILED', error = 'interrupted', error_class = ?
			WHERE status = 'PROCESSING'
		`, string(models.ErrorClassTransient))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}, "recover processing entries")
	if err != nil {
		return 0, errors.NewDatabaseError("recover processing entries", err)
	}
	if n > 0 {
		d.logger.WithField("count", n).Warn("Recovered queue entries interrupted mid-drain")
	}
	return n, nil
}

func (d *Database) QueueCounts(ctx context.Context) (models.QueueCounts, error) {
	var counts models.QueueCounts

	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return counts, errors.NewDatabaseError("count queue", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan queue count: %w", err)
		}
		switch models.QueueStatus(status) {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusProcessing:
			counts.Processing = n
		case models.StatusFailed:
			counts.Failed = n
		case models.StatusCompleted:
			counts.Completed = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

// ListByStatus returns entries with the given status in queue order; a
// non-positive limit returns all of them.
func (d *Database) ListByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.QueueEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return d.queryQueue(ctx, d.db,
		`SELECT `+queueColumns+` FROM sync_queue WHERE status = ? ORDER BY seq LIMIT ?`, string(status), limit)
}

// PermanentlyFailed lists FAILED entries that automatic retry will not touch.
func (d *Database) PermanentlyFailed(ctx context.Context, ceiling int) ([]*models.QueueEntry, error) {
	return d.queryQueue(ctx, d.db, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status = 'FAILED' AND (attempts - 1 >= ? OR error_class = ?)
		ORDER BY seq
	`, ceiling, string(models.ErrorClassPermanent))
}

// EntriesFor returns every queue entry of one entity in queue order.
func (d *Database) EntriesFor(ctx context.Context, collection, entityID string) ([]*models.QueueEntry, error) {
	return d.queryQueue(ctx, d.db,
		`SELECT `+queueColumns+` FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY seq`,
		collection, entityID)
}

func (d *Database) GetQueueEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	e, err := d.scanQueueEntry(d.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("queue entry", id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get queue entry", err)
	}
	return e, nil
}
