package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"offsync/internal/errors"
)

// Predicate filters records during Scan.
type Predicate func(id string, data json.RawMessage) bool

func (d *Database) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return d.getRecord(ctx, d.db, collection, id)
}

func (d *Database) Put(ctx context.Context, collection, id string, data json.RawMessage) error {
	return d.putRecord(ctx, d.db, collection, id, data)
}

func (d *Database) Delete(ctx context.Context, collection, id string) error {
	return d.deleteRecord(ctx, d.db, collection, id)
}

// Scan returns every record of the collection accepted by predicate, in
// insertion order. A nil predicate accepts everything.
func (d *Database) Scan(ctx context.Context, collection string, predicate Predicate) ([]json.RawMessage, error) {
	return d.scanRecords(ctx, d.db, collection, predicate)
}

func (t *Tx) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return t.d.getRecord(ctx, t.tx, collection, id)
}

func (t *Tx) Put(ctx context.Context, collection, id string, data json.RawMessage) error {
	return t.d.putRecord(ctx, t.tx, collection, id, data)
}

func (t *Tx) Delete(ctx context.Context, collection, id string) error {
	return t.d.deleteRecord(ctx, t.tx, collection, id)
}

func (t *Tx) Scan(ctx context.Context, collection string, predicate Predicate) ([]json.RawMessage, error) {
	return t.d.scanRecords(ctx, t.tx, collection, predicate)
}

func (d *Database) getRecord(ctx context.Context, q querier, collection, id string) (json.RawMessage, error) {
	table, err := d.table(collection)
	if err != nil {
		return nil, err
	}

	var stored string
	err = q.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, table), id).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(collection, id)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get record", err).WithContext("collection", collection)
	}

	data, err := d.encryptor.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt record %s/%s: %w", collection, id, err)
	}
	return data, nil
}

func (d *Database) putRecord(ctx context.Context, q querier, collection, id string, data json.RawMessage) error {
	table, err := d.table(collection)
	if err != nil {
		return err
	}
	if id == "" {
		return errors.NewValidationError("id", id, "record id is required")
	}
	if !json.Valid(data) {
		return errors.NewValidationError("data", id, "record payload is not valid JSON")
	}

	stored, err := d.encryptor.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt record %s/%s: %w", collection, id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at
	`, table)
	if _, err := q.ExecContext(ctx, query, id, stored, toMillis(time.Now())); err != nil {
		return errors.NewDatabaseError("put record", err).WithContext("collection", collection)
	}
	return nil
}

// deleteRecord returns NOT_FOUND when no row was removed.
func (d *Database) deleteRecord(ctx context.Context, q querier, collection, id string) error {
	table, err := d.table(collection)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return errors.NewDatabaseError("delete record", err).WithContext("collection", collection)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("delete record", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(collection, id)
	}
	return nil
}

func (d *Database) scanRecords(ctx context.Context, q querier, collection string, predicate Predicate) ([]json.RawMessage, error) {
	table, err := d.table(collection)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM %s ORDER BY rowid`, table))
	if err != nil {
		return nil, errors.NewDatabaseError("scan records", err).WithContext("collection", collection)
	}

	type row struct {
		id     string
		stored string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.stored); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	rows.Close()

	// The connection is released before predicates run.
	out := make([]json.RawMessage, 0, len(all))
	for _, r := range all {
		data, err := d.encryptor.Open(r.stored)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt record %s/%s: %w", collection, r.id, err)
		}
		if predicate == nil || predicate(r.id, data) {
			out = append(out, data)
		}
	}
	return out, nil
}
