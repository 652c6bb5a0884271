package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrTransient marks failures worth retrying (locked database, I/O,
// connection loss). ErrFatal marks schema or constraint violations that a
// retry cannot fix.
var (
	ErrTransient = errors.New("transient store error")
	ErrFatal     = errors.New("fatal store error")
	ErrNotFound  = errors.New("not found")
)

// Classify wraps a driver error as ErrTransient or ErrFatal. sql.ErrNoRows
// maps to ErrNotFound; nil passes through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrProtocol:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case sqlite3.ErrConstraint, sqlite3.ErrError, sqlite3.ErrSchema, sqlite3.ErrMismatch:
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}

	// Driver-agnostic fallback on message text
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") || strings.Contains(msg, "connection") {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}

const (
	retryAttempts = 5
	retryBackoff  = 2 * time.Second
)

// WithRetry runs fn up to 5 times, 2 s apart, retrying only transient
// failures. Used for recovery and store setup paths.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrTransient) {
			return lastErr
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}
