package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteCoder interface {
	Code() int
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var se sqliteCoder
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsAppendOnlyViolation reports whether err came from the client guard or
// from the ledger triggers.
func IsAppendOnlyViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAppendOnly) {
		return true
	}
	return strings.Contains(err.Error(), "append-only")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqliteCoder
	if errors.As(err, &se) {
		primary := se.Code() & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// retryOnBusy retries f with jittered exponential backoff while SQLite
// reports BUSY or LOCKED. PostgreSQL errors pass straight through.
func retryOnBusy(ctx context.Context, dialect Dialect, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || dialect != SQLite || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
