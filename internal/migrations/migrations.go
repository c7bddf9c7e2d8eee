// Package migrations contains the PostgreSQL schema of the offsync store.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// createTablesSQL creates one records table per entity type plus the queue,
// conflict log and metadata tables
const createTablesSQL = `
	CREATE TABLE records_alert (
		entity_id text PRIMARY KEY,
		payload jsonb NOT NULL,
		version bigint NOT NULL,
		remote_version bigint NOT NULL DEFAULT 0,
		last_modified timestamp with time zone NOT NULL,
		field_modified jsonb,
		sync_status text NOT NULL
	);

	CREATE TABLE records_user_preference (LIKE records_alert INCLUDING ALL);

	CREATE TABLE sync_queue (
		id text PRIMARY KEY,
		kind text NOT NULL,
		entity_type text NOT NULL,
		entity_id text NOT NULL,
		payload jsonb,
		base_version bigint NOT NULL DEFAULT 0,
		priority integer NOT NULL DEFAULT 0,
		enqueued_at timestamp with time zone NOT NULL DEFAULT now(),
		retry_count integer NOT NULL DEFAULT 0,
		next_attempt_at timestamp with time zone,
		last_error text NOT NULL DEFAULT '',
		conflict_id text NOT NULL DEFAULT ''
	);

	CREATE TABLE conflicts (
		id text PRIMARY KEY,
		entity_type text NOT NULL,
		entity_id text NOT NULL,
		conflict_type text NOT NULL,
		operation_id text NOT NULL DEFAULT '',
		local_record jsonb NOT NULL,
		remote_record jsonb NOT NULL,
		detected_at timestamp with time zone NOT NULL DEFAULT now(),
		resolved boolean NOT NULL DEFAULT false,
		resolution jsonb
	);

	CREATE TABLE metadata (
		key text PRIMARY KEY,
		value text NOT NULL
	);

	CREATE INDEX idx_records_alert_status ON records_alert(sync_status);
	CREATE INDEX idx_records_user_preference_status ON records_user_preference(sync_status);
	CREATE INDEX idx_sync_queue_entity ON sync_queue(entity_type, entity_id);
	CREATE INDEX idx_conflicts_open ON conflicts(detected_at) WHERE NOT resolved;
`

// parkingSQL moves exhausted operations out of rotation without losing them
const parkingSQL = `
	ALTER TABLE sync_queue
		ADD COLUMN parked boolean NOT NULL DEFAULT false,
		ADD COLUMN failed_at timestamp with time zone,
		ADD COLUMN park_reason text NOT NULL DEFAULT '';

	CREATE INDEX idx_sync_queue_drain ON sync_queue(parked, priority DESC, enqueued_at);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		&migrator.Migration{
			Name: "002_park_exhausted_operations",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, parkingSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
	migratorErr      error
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	once.Do(func() {
		migratorInstance, migratorErr = migrator.New(
			migrations(),
			migrator.TableName("offsync_migrations"),
		)
	})
	return migratorInstance, migratorErr
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}
	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return needUpgrade, nil
}
