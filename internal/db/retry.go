package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/retry"
)

// NewWithRetry connects to PostgreSQL, retrying until the server answers a
// ping. A connection string that does not parse fails at once.
func NewWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	var pool PgxPoolIface
	err := retry.Do(ctx, retry.LocalStore(), "Postgres connect", func(ctx context.Context) error {
		connConfig, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			return retry.Permanent(fmt.Errorf("invalid connection string: %w", err))
		}
		pool, err = NewWithConfig(ctx, connConfig, callbacks...)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection")
		return nil, err
	}
	return pool, nil
}
