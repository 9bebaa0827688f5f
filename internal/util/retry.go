// Package util holds process plumbing shared by the kvfs commands and
// backends: retries, polling, pid files and detached re-execution.
package util

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
)

// SQLiteBusyRetry retries a SQLite statement that lost a lock race
// (100ms, 200ms, 300ms). Any other error fails at once.
func SQLiteBusyRetry(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(logRetry(op)),
	}
}

// ConnectRetry retries establishing a backend connection. Metadata
// operations themselves are never retried.
func ConnectRetry(ctx context.Context, op string) []retry.Option {
	return []retry.Option{
		retry.Attempts(5),
		retry.Delay(200 * time.Millisecond),
		retry.MaxDelay(2 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(logRetry(op)),
	}
}

func logRetry(op string) retry.OnRetryFunc {
	return func(n uint, err error) {
		log.WithFields(log.Fields{"op": op, "attempt": n + 1}).WithError(err).Debug("retrying")
	}
}

// Retry runs fn under opts.
func Retry(fn func() error, opts []retry.Option) error {
	return retry.Do(fn, opts...)
}

// RetryWithResult runs fn under opts and returns its last value.
func RetryWithResult[T any](fn func() (T, error), opts []retry.Option) (T, error) {
	return retry.DoWithData(fn, opts...)
}

// IsDatabaseLocked reports whether err is SQLite lock contention.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
