package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"offsync/internal/constants"
	"offsync/internal/errors"
	"offsync/internal/migrations"
	"offsync/internal/security"
	"offsync/internal/validation"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const entityTablePrefix = "entity_"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database is the durable local store: entity collections plus the sync
// queue, sync state, conflict log and meta tables, all in one SQLite file.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	logger    *logrus.Logger

	mu          sync.RWMutex
	collections map[string]struct{}
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the logger used for retry and recovery messages.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Database) {
		d.logger = logger
	}
}

func New(dbPath string, opts ...Option) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes every reader and writer, so no transaction
	// ever observes another one half-applied.
	db.SetMaxOpenConns(1)

	d := &Database{
		db:          db,
		logger:      logrus.StandardLogger(),
		collections: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.init(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (close error: %v)", err, closeErr)
		}
		return nil, err
	}

	return d, nil
}

func (d *Database) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultHTTPTimeoutSec)*time.Second)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseConnection, "failed to ping database")
	}

	applied, err := migrations.Apply(ctx, d.db)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseMigration, "failed to initialize schema")
	}
	if len(applied) > 0 {
		d.logger.WithField("versions", applied).Info("Applied database migrations")
	}

	enc, err := newEncryptor()
	if err != nil {
		return fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	d.encryptor = enc

	return d.loadCollections(ctx)
}

func (d *Database) loadCollections(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'entity\_%' ESCAPE '\'`)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return fmt.Errorf("failed to scan collection: %w", err)
		}
		d.collections[strings.TrimPrefix(table, entityTablePrefix)] = struct{}{}
	}
	return rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the underlying database can serve queries.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(constants.DefaultHealthCheckTimeoutSec)*time.Second)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseConnection, "database ping failed")
	}
	var one int
	if err := d.db.QueryRowContext(ctx, `SELECT 1 FROM sync_queue LIMIT 1`).Scan(&one); err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, errors.ErrCodeDatabaseConnection, "database health query failed")
	}
	return nil
}

// Healthy is Ping as a boolean.
func (d *Database) Healthy(ctx context.Context) bool {
	return d.Ping(ctx) == nil
}

// EnsureCollection creates the entity table for a collection if needed.
func (d *Database) EnsureCollection(ctx context.Context, name string) error {
	if err := validation.ValidateCollectionName(name); err != nil {
		return err
	}

	d.mu.RLock()
	_, known := d.collections[name]
	d.mu.RUnlock()
	if known {
		return nil
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		stored_at INTEGER NOT NULL
	)`, entityTablePrefix+name)

	err := retryableDBOperationNoReturn(ctx, func() error {
		_, err := d.db.ExecContext(ctx, query)
		return err
	}, "create collection")
	if err != nil {
		return errors.NewDatabaseError("create collection", err).WithContext("collection", name)
	}

	d.mu.Lock()
	d.collections[name] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Collections returns the registered collection names in sorted order.
func (d *Database) Collections() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.collections))
	for name := range d.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCollection reports whether EnsureCollection has been called for name.
func (d *Database) HasCollection(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.collections[name]
	return ok
}

func (d *Database) table(collection string) (string, error) {
	if !d.HasCollection(collection) {
		return "", errors.New(errors.ErrCodeInvalidInput, "unknown collection").WithContext("collection", collection)
	}
	return entityTablePrefix + collection, nil
}

// Tx exposes the store operations bound to one SQLite transaction.
type Tx struct {
	tx *sql.Tx
	d  *Database
}

// WithTx runs fn inside a transaction and commits when it returns nil.
// The whole transaction is retried when SQLite reports a busy database,
// so fn must not have side effects outside the transaction.
func (d *Database) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryableDBOperationNoReturn(ctx, func() error {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := fn(&Tx{tx: sqlTx, d: d}); err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				d.logger.WithError(rbErr).Warn("Failed to roll back transaction")
			}
			return err
		}

		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}, "transaction")
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
