package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	retryBase     = 50 * time.Millisecond
	retryAttempts = 5
)

// isBusy reports whether err is a transient contention error worth
// retrying: a locked sqlite file or a postgres serialization conflict.
func isBusy(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry executes fn, retrying busy errors with jittered exponential
// backoff (base 50ms, at most 5 attempts). Other errors return directly.
func withRetry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return fmt.Errorf("%w: %w", ErrBusy, err)
}
