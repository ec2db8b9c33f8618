package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wispberry-tech/wispy-accounts/accounts"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown storage driver")

// ConnectOptions controls how Open retries the initial connection.
type ConnectOptions struct {
	MaxRetries uint64        // Retries after the first attempt; 0 disables retrying
	BaseDelay  time.Duration // First backoff delay, doubled on every retry
	MaxDelay   time.Duration // Cap on a single backoff delay
}

// DefaultConnectOptions returns the retry policy used when none is configured.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxRetries: 5,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
	}
}

func (o ConnectOptions) backoff() retry.Backoff {
	base := o.BaseDelay
	if base <= 0 {
		base = DefaultConnectOptions().BaseDelay
	}
	b := retry.NewExponential(base)
	if o.MaxDelay > 0 {
		b = retry.WithCappedDuration(o.MaxDelay, b)
	}
	return retry.WithMaxRetries(o.MaxRetries, b)
}

// Open connects to the store named by driver and dsn, retrying transient
// failures with exponential backoff. Configuration errors fail immediately.
func Open(ctx context.Context, driver, dsn string, opts ConnectOptions) (accounts.Storage, error) {
	connect, err := connector(driver)
	if err != nil {
		return nil, err
	}

	var (
		store   accounts.Storage
		attempt int
	)
	err = retry.Do(ctx, opts.backoff(), func(ctx context.Context) error {
		attempt++
		s, err := connect(ctx, dsn)
		if err != nil {
			if errors.Is(err, ErrInvalidDSN) {
				return err
			}
			slog.Warn("Storage connection failed", "driver", driver, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		store = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage after %d attempt(s): %w", driver, attempt, err)
	}

	slog.Info("Storage connected", "driver", driver, "attempts", attempt)
	return store, nil
}

func connector(driver string) (func(context.Context, string) (accounts.Storage, error), error) {
	switch driver {
	case DriverSQLite, "sqlite3":
		return func(ctx context.Context, dsn string) (accounts.Storage, error) {
			return NewSQLiteStorage(ctx, dsn)
		}, nil
	case DriverPostgres, "pgx":
		return func(ctx context.Context, dsn string) (accounts.Storage, error) {
			return NewPostgresStorage(ctx, dsn)
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
