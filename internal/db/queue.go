package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

const opColumns = `id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
	retry_count, next_attempt_at, last_error, conflict_id, failed_at, park_reason`

const drainOrder = ` ORDER BY priority DESC, enqueued_at, id`

// Enqueue appends op to the active queue
func (s *Store) Enqueue(ctx context.Context, op model.SyncOperation) error {
	if op.ID == "" {
		return model.NewStorageError("enqueue", errors.New("operation id is empty"))
	}
	payload, err := opPayload(op)
	if err != nil {
		return model.NewStorageError("enqueue", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sync_queue
		(id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
		 retry_count, next_attempt_at, last_error, conflict_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		op.ID, string(op.Kind), string(op.EntityType), op.EntityID, payload, op.BaseVersion,
		op.Priority, op.EnqueuedAt, int32(op.RetryCount), nullTime(op.NextAttemptAt),
		op.LastError, op.ConflictID)
	return model.NewStorageError("enqueue", err)
}

// DequeuePending returns active operations in drain order
func (s *Store) DequeuePending(ctx context.Context) ([]model.SyncOperation, error) {
	return s.listOps(ctx, `SELECT `+opColumns+` FROM sync_queue WHERE NOT parked`+drainOrder)
}

// PendingFor returns the active operations of one entity in drain order
func (s *Store) PendingFor(ctx context.Context, t model.EntityType, id string) ([]model.SyncOperation, error) {
	return s.listOps(ctx, `SELECT `+opColumns+` FROM sync_queue
		WHERE NOT parked AND entity_type = $1 AND entity_id = $2`+drainOrder, string(t), id)
}

// Remove deletes an operation from the queue
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_queue WHERE id = $1`, id)
	return model.NewStorageError("remove", err)
}

// UpdateRetry records a failed attempt
func (s *Store) UpdateRetry(ctx context.Context, id string, retryCount uint32, nextAttemptAt time.Time, lastErr string) error {
	return s.updateOp(ctx, "update retry", id,
		`UPDATE sync_queue SET retry_count = $1, next_attempt_at = $2, last_error = $3 WHERE id = $4 AND NOT parked`,
		int32(retryCount), nullTime(nextAttemptAt), lastErr, id)
}

// Replace rewrites a queued operation in place, keeping its queue position
func (s *Store) Replace(ctx context.Context, op model.SyncOperation) error {
	payload, err := opPayload(op)
	if err != nil {
		return model.NewStorageError("replace", err)
	}
	return s.updateOp(ctx, "replace", op.ID,
		`UPDATE sync_queue SET kind = $1, payload = $2, base_version = $3, priority = $4 WHERE id = $5 AND NOT parked`,
		string(op.Kind), payload, op.BaseVersion, op.Priority, op.ID)
}

// Block ties a queued operation to an unresolved conflict
func (s *Store) Block(ctx context.Context, id, conflictID string) error {
	return s.updateOp(ctx, "block", id,
		`UPDATE sync_queue SET conflict_id = $1 WHERE id = $2 AND NOT parked`, conflictID, id)
}

// Park moves op out of rotation, inserting it if it is no longer queued
func (s *Store) Park(ctx context.Context, op model.SyncOperation, reason string) error {
	payload, err := opPayload(op)
	if err != nil {
		return model.NewStorageError("park", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO sync_queue
		(id, kind, entity_type, entity_id, payload, base_version, priority, enqueued_at,
		 retry_count, last_error, conflict_id, parked, failed_at, park_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, true, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			retry_count = EXCLUDED.retry_count,
			last_error = EXCLUDED.last_error,
			next_attempt_at = NULL,
			parked = true,
			failed_at = EXCLUDED.failed_at,
			park_reason = EXCLUDED.park_reason`,
		op.ID, string(op.Kind), string(op.EntityType), op.EntityID, payload, op.BaseVersion,
		op.Priority, op.EnqueuedAt, int32(op.RetryCount), op.LastError, op.ConflictID,
		s.now().UTC(), reason)
	return model.NewStorageError("park", err)
}

// ListParked returns parked operations, most recently failed last
func (s *Store) ListParked(ctx context.Context) ([]model.ParkedOperation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+opColumns+` FROM sync_queue WHERE parked ORDER BY failed_at, id`)
	if err != nil {
		return nil, model.NewStorageError("list parked", err)
	}
	defer rows.Close()

	var out []model.ParkedOperation
	for rows.Next() {
		p, err := scanOp(rows)
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
func (s *Store) Requeue(ctx context.Context, id string) error {
	return s.updateOp(ctx, "requeue", id,
		`UPDATE sync_queue SET parked = false, retry_count = 0, next_attempt_at = NULL, last_error = '',
			failed_at = NULL, park_reason = '' WHERE id = $1 AND parked`, id)
}

// Len counts active operations
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sync_queue WHERE NOT parked`).Scan(&n); err != nil {
		return 0, model.NewStorageError("queue length", err)
	}
	return int(n), nil
}

func (s *Store) updateOp(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return model.NewStorageError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("operation", id)
	}
	return nil
}

func (s *Store) listOps(ctx context.Context, query string, args ...any) ([]model.SyncOperation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewStorageError("dequeue", err)
	}
	defer rows.Close()

	var out []model.SyncOperation
	for rows.Next() {
		p, err := scanOp(rows)
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

func scanOp(row pgx.Row) (model.ParkedOperation, error) {
	var (
		p                     model.ParkedOperation
		kind, entityType      string
		payload               []byte
		retries               int32
		nextAttempt, failedAt pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &kind, &entityType, &p.EntityID, &payload, &p.BaseVersion, &p.Priority,
		&p.EnqueuedAt, &retries, &nextAttempt, &p.LastError, &p.ConflictID, &failedAt, &p.Reason)
	if err != nil {
		return model.ParkedOperation{}, err
	}
	p.Kind = model.OpKind(kind)
	p.EntityType = model.EntityType(entityType)
	p.EnqueuedAt = p.EnqueuedAt.UTC()
	p.RetryCount = uint32(retries)
	p.NextAttemptAt = fromNullTime(nextAttempt)
	p.FailedAt = fromNullTime(failedAt)
	if len(payload) > 0 {
		if p.Payload, err = model.ParsePayload(payload); err != nil {
			return model.ParkedOperation{}, err
		}
	}
	return p, nil
}

func opPayload(op model.SyncOperation) ([]byte, error) {
	if op.Payload == nil {
		return nil, nil
	}
	return op.Payload.JSON()
}
