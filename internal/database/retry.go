package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"offsync/internal/constants"
	"offsync/internal/retry"

	"github.com/mattn/go-sqlite3"
)

var dbBackoff = retry.NewBackoff(retry.BackoffConfig{
	InitialDelay: time.Duration(constants.DefaultBackoffInitialMs) * time.Millisecond / 5,
	MaxDelay:     time.Duration(constants.DefaultBackoffMaxSec) * time.Second,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
})

// retryableDBOperationNoReturn retries operation while SQLite reports a busy
// or locked database. Other errors are returned unchanged.
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	var exhausted bool
	attempts := 0

	err := dbBackoff.RetryWithPredicate(ctx, func() error {
		attempts++
		return operation()
	}, func(err error) bool {
		if !isRetryableDBError(err) {
			return false
		}
		exhausted = attempts >= constants.DefaultDatabaseRetryAttempts
		return true
	})

	if err != nil && exhausted {
		return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
	}
	return err
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "disk I/O error")
}
