package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"halite-tournament/logger"
)

// RetryPolicy retries a unit of work on transient database failures with
// exponential waits between MinWait and MaxWait.
type RetryPolicy struct {
	MaxAttempts int
	MinWait     time.Duration
	MaxWait     time.Duration
	Retryable   func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 6,
		MinWait:     time.Second,
		MaxWait:     10 * time.Second,
		Retryable:   IsTransient,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. The last error from op is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.MinWait
	exp.MaxInterval = p.MaxWait
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logger.Warn("[DB] transient failure, retrying",
			"attempt", attempt, "max_attempts", attempts, "wait", wait, "error", err)
	})
}

// IsTransient reports whether err is worth retrying: lost or refused
// connections, plus deadlock and serialization aborts.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", // serialization_failure, deadlock_detected
			"57P01", "57P02", "57P03", // admin_shutdown, crash_shutdown, cannot_connect_now
			"08000", "08003", "08006": // connection exceptions
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
