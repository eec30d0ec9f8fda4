// Package repository provides typed CRUD access to one collection of the
// local store. Every mutation writes the record, appends a queue entry and
// marks the entity dirty in a single transaction.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"offsync/internal/database"
	"offsync/internal/errors"
	"offsync/internal/models"
	"offsync/internal/validation"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Entity is satisfied by pointers to structs embedding models.Record.
type Entity[T any] interface {
	*T
	Meta() *models.Record
}

// DeviceSource supplies the id stamped on queue entries.
type DeviceSource interface {
	DeviceID(ctx context.Context) (string, error)
}

// Repository is a typed façade over one collection.
type Repository[T any, PT Entity[T]] struct {
	db         *database.Database
	collection string
	devices    DeviceSource
	logger     *logrus.Logger

	now   func() time.Time
	newID func() string
	clock operationClock
}

// New registers the collection in the store and returns its repository.
func New[T any, PT Entity[T]](ctx context.Context, db *database.Database, collection string, devices DeviceSource, logger *logrus.Logger) (*Repository[T, PT], error) {
	if err := db.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}
	return &Repository[T, PT]{
		db:         db,
		collection: collection,
		devices:    devices,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// Collection returns the collection name this repository writes to.
func (r *Repository[T, PT]) Collection() string {
	return r.collection
}

func (r *Repository[T, PT]) decode(data json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "stored record does not match entity type").
			WithContext("collection", r.collection)
	}
	return &v, nil
}

func (r *Repository[T, PT]) GetAll(ctx context.Context) ([]*T, error) {
	rows, err := r.db.Scan(ctx, r.collection, nil)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		v, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetByID returns a NOT_FOUND error when the record does not exist.
func (r *Repository[T, PT]) GetByID(ctx context.Context, id string) (*T, error) {
	data, err := r.db.Get(ctx, r.collection, id)
	if err != nil {
		return nil, err
	}
	return r.decode(data)
}

// GetBy returns records whose top-level JSON field equals value.
func (r *Repository[T, PT]) GetBy(ctx context.Context, field string, value any) ([]*T, error) {
	want, err := normalize(value)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "unsupported filter value").WithContext("field", field)
	}

	rows, err := r.db.Scan(ctx, r.collection, func(_ string, data json.RawMessage) bool {
		var fields map[string]any
		if json.Unmarshal(data, &fields) != nil {
			return false
		}
		got, ok := fields[field]
		return ok && reflect.DeepEqual(got, want)
	})
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		v, err := r.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Create assigns an id and timestamps where absent, stores the record and
// queues a CREATE carrying the full record.
func (r *Repository[T, PT]) Create(ctx context.Context, partial *T) (*T, error) {
	if partial == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "record is required")
	}

	deviceID, err := r.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock.stamp(r.now())
	meta := PT(partial).Meta()
	if meta.ID == "" {
		meta.ID = r.newID()
	} else if err := validation.ValidateEntityID(meta.ID); err != nil {
		return nil, err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = now
	}

	data, err := json.Marshal(partial)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode record")
	}

	entry, err := models.NewQueueEntry(r.newID(), r.collection, meta.ID, models.OperationCreate, data, deviceID, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid queue entry")
	}

	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		if _, err := tx.Get(ctx, r.collection, meta.ID); err == nil {
			return errors.New(errors.ErrCodeInvalidInput, "record already exists").
				WithContext("collection", r.collection).
				WithContext("entity_id", meta.ID)
		} else if !errors.IsNotFound(err) {
			return err
		}
		if err := tx.Put(ctx, r.collection, meta.ID, data); err != nil {
			return err
		}
		return tx.AppendQueueEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s record: %w", r.collection, err)
	}

	r.logger.WithFields(logrus.Fields{
		"collection": r.collection,
		"entity_id":  meta.ID,
		"queue_id":   entry.ID,
	}).Debug("Created record")

	return r.decode(data)
}

// Update merges patch into the stored record at the JSON field level,
// refreshes updatedAt and queues an UPDATE with the merged record. The id
// and createdAt fields cannot be patched.
func (r *Repository[T, PT]) Update(ctx context.Context, id string, patch map[string]any) (*T, error) {
	deviceID, err := r.devices.DeviceID(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock.stamp(r.now())
	var merged json.RawMessage
	var entry *models.QueueEntry

	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		current, err := tx.Get(ctx, r.collection, id)
		if err != nil {
			return err
		}

		var fields map[string]any
		if err := json.Unmarshal(current, &fields); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "stored record is not a JSON object")
		}
		for k, v := range patch {
			if k == "id" || k == "createdAt" {
				continue
			}
			fields[k] = v
		}
		fields["updatedAt"] = now

		merged, err = json.Marshal(fields)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode merged record")
		}
		if _, err := r.decode(merged); err != nil {
			return err
		}

		entry, err = models.NewQueueEntry(r.newID(), r.collection, id, models.OperationUpdate, merged, deviceID, now)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid queue entry")
		}
		if err := tx.Put(ctx, r.collection, id, merged); err != nil {
			return err
		}
		return tx.AppendQueueEntry(ctx, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update %s record: %w", r.collection, err)
	}

	r.logger.WithFields(logrus.Fields{
		"collection": r.collection,
		"entity_id":  id,
		"queue_id":   entry.ID,
	}).Debug("Updated record")

	return r.decode(merged)
}

// Delete removes the record and queues a DELETE without payload.
func (r *Repository[T, PT]) Delete(ctx context.Context, id string) error {
	deviceID, err := r.devices.DeviceID(ctx)
	if err != nil {
		return err
	}

	entry, err := models.NewQueueEntry(r.newID(), r.collection, id, models.OperationDelete, nil, deviceID, r.clock.stamp(r.now()))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid queue entry")
	}

	err = r.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.Delete(ctx, r.collection, id); err != nil {
			return err
		}
		return tx.AppendQueueEntry(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s record: %w", r.collection, err)
	}

	r.logger.WithFields(logrus.Fields{
		"collection": r.collection,
		"entity_id":  id,
		"queue_id":   entry.ID,
	}).Debug("Deleted record")
	return nil
}

// normalize converts a filter value into the shape encoding/json produces
// when decoding into any, so it can be compared with stored fields.
func normalize(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
