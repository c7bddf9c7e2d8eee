package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

const opColumns = `id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
	retry_count, next_attempt_at, last_error, conflict_id, failed_at, park_reason`

const drainOrder = ` ORDER BY priority DESC, enqueued_at, id`

// Enqueue appends op to the active queue
func (db *DB) Enqueue(ctx context.Context, op model.SyncOperation) error {
	if op.ID == "" {
		return model.NewStorageError("enqueue", errors.New("operation id is empty"))
	}
	payload, err := db.encodeOpPayload(op)
	if err != nil {
		return model.NewStorageError("enqueue", err)
	}
	return db.write(ctx, "enqueue", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_queue
			(id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
			 retry_count, next_attempt_at, last_error, conflict_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			op.ID, string(op.Kind), string(op.EntityType), op.EntityID, payload, op.BaseVersion,
			op.Priority, toNanos(op.EnqueuedAt), op.RetryCount, toNanos(op.NextAttemptAt),
			op.LastError, op.ConflictID)
		return model.NewStorageError("enqueue", err)
	})
}

// DequeuePending returns active operations in drain order
func (db *DB) DequeuePending(ctx context.Context) ([]model.SyncOperation, error) {
	return db.listOps(ctx, `SELECT `+opColumns+` FROM sync_queue WHERE parked = 0`+drainOrder)
}

// PendingFor returns the active operations of one entity in drain order
func (db *DB) PendingFor(ctx context.Context, t model.EntityType, id string) ([]model.SyncOperation, error) {
	return db.listOps(ctx, `SELECT `+opColumns+` FROM sync_queue
		WHERE parked = 0 AND entity_type = ? AND entity_id = ?`+drainOrder, string(t), id)
}

// Remove deletes an operation from the queue
func (db *DB) Remove(ctx context.Context, id string) error {
	return db.write(ctx, "remove", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
		return model.NewStorageError("remove", err)
	})
}

// UpdateRetry records a failed attempt
func (db *DB) UpdateRetry(ctx context.Context, id string, retryCount uint32, nextAttemptAt time.Time, lastErr string) error {
	return db.updateOp(ctx, "update retry",
		`UPDATE sync_queue SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ? AND parked = 0`,
		id, retryCount, toNanos(nextAttemptAt), lastErr, id)
}

// Replace rewrites a queued operation in place, keeping its queue position
func (db *DB) Replace(ctx context.Context, op model.SyncOperation) error {
	payload, err := db.encodeOpPayload(op)
	if err != nil {
		return model.NewStorageError("replace", err)
	}
	return db.updateOp(ctx, "replace",
		`UPDATE sync_queue SET kind = ?, payload = ?, base_version = ?, priority = ? WHERE id = ? AND parked = 0`,
		op.ID, string(op.Kind), payload, op.BaseVersion, op.Priority, op.ID)
}

// Block ties a queued operation to an unresolved conflict
func (db *DB) Block(ctx context.Context, id, conflictID string) error {
	return db.updateOp(ctx, "block",
		`UPDATE sync_queue SET conflict_id = ? WHERE id = ? AND parked = 0`,
		id, conflictID, id)
}

// Park moves op out of rotation, inserting it if it is no longer queued
func (db *DB) Park(ctx context.Context, op model.SyncOperation, reason string) error {
	payload, err := db.encodeOpPayload(op)
	if err != nil {
		return model.NewStorageError("park", err)
	}
	return db.write(ctx, "park", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO sync_queue
			(id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
			 retry_count, next_attempt_at, last_error, conflict_id, parked, failed_at, park_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				retry_count = excluded.retry_count,
				last_error = excluded.last_error,
				parked = 1,
				failed_at = excluded.failed_at,
				park_reason = excluded.park_reason`,
			op.ID, string(op.Kind), string(op.EntityType), op.EntityID, payload, op.BaseVersion,
			op.Priority, toNanos(op.EnqueuedAt), op.RetryCount, op.LastError, op.ConflictID,
			toNanos(db.now()), reason)
		return model.NewStorageError("park", err)
	})
}

// ListParked returns parked operations, most recently failed last
func (db *DB) ListParked(ctx context.Context) ([]model.ParkedOperation, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+opColumns+` FROM sync_queue WHERE parked = 1 ORDER BY failed_at, id`)
	if err != nil {
		return nil, model.NewStorageError("list parked", err)
	}
	defer rows.Close()

	var out []model.ParkedOperation
	for rows.Next() {
		p, err := db.scanOp(rows)
		if err != nil {
			return nil, model.NewStorageError("list parked", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("list parked", err)
	}
	return out, nil
}

// Requeue returns a parked operation to rotation with a fresh retry budget
func (db *DB) Requeue(ctx context.Context, id string) error {
	return db.updateOp(ctx, "requeue",
		`UPDATE sync_queue SET parked = 0, retry_count = 0, next_attempt_at = 0, last_error = '',
			failed_at = 0, park_reason = '' WHERE id = ? AND parked = 1`,
		id, id)
}

// Len counts active operations
func (db *DB) Len(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE parked = 0`).Scan(&n); err != nil {
		return 0, model.NewStorageError("queue length", err)
	}
	return n, nil
}

func (db *DB) updateOp(ctx context.Context, op, query, id string, args ...any) error {
	return db.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return model.NewStorageError(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("operation", id)
		}
		return nil
	})
}

func (db *DB) listOps(ctx context.Context, query string, args ...any) ([]model.SyncOperation, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("dequeue", err)
	}
	defer rows.Close()

	var out []model.SyncOperation
	for rows.Next() {
		p, err := db.scanOp(rows)
		if err != nil {
			return nil, model.NewStorageError("dequeue", err)
		}
		out = append(out, p.SyncOperation)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("dequeue", err)
	}
	return out, nil
}

func (db *DB) scanOp(s scanner) (model.ParkedOperation, error) {
	var (
		p                               model.ParkedOperation
		kind, entityType                string
		payload                         []byte
		enqueued, nextAttempt, failedAt int64
	)
	err := s.Scan(&p.ID, &kind, &entityType, &p.EntityID, &payload, &p.BaseVersion, &p.Priority,
		&enqueued, &p.RetryCount, &nextAttempt, &p.LastError, &p.ConflictID, &failedAt, &p.Reason)
	if err != nil {
		return model.ParkedOperation{}, err
	}
	p.Kind = model.OpKind(kind)
	p.EntityType = model.EntityType(entityType)
	p.EnqueuedAt = fromNanos(enqueued)
	p.NextAttemptAt = fromNanos(nextAttempt)
	p.FailedAt = fromNanos(failedAt)
	if len(payload) > 0 {
		raw, err := db.codec.Decode(payload)
		if err != nil {
			return model.ParkedOperation{}, err
		}
		if p.Payload, err = model.ParsePayload(raw); err != nil {
			return model.ParkedOperation{}, err
		}
	}
	return p, nil
}

func (db *DB) encodeOpPayload(op model.SyncOperation) ([]byte, error) {
	if op.Payload == nil {
		return nil, nil
	}
	data, err := op.Payload.JSON()
	if err != nil {
		return nil, err
	}
	return db.codec.Encode(data), nil
}
