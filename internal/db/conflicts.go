package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

const conflictColumns = `id, entity_type, entity_id, conflict_type, operation_id, local_record, remote_record, detected_at, resolved, resolution`

// SaveConflict inserts or refreshes an unresolved conflict
func (s *Store) SaveConflict(ctx context.Context, c model.Conflict) error {
	local, err := json.Marshal(c.LocalRecord)
	if err != nil {
		return model.NewStorageError("save conflict", err)
	}
	remote, err := json.Marshal(c.RemoteRecord)
	if err != nil {
		return model.NewStorageError("save conflict", err)
	}
	var resolution []byte
	if c.Resolution != nil {
		if resolution, err = json.Marshal(c.Resolution); err != nil {
			return model.NewStorageError("save conflict", err)
		}
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO conflicts (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			local_record = EXCLUDED.local_record,
			remote_record = EXCLUDED.remote_record,
			resolved = EXCLUDED.resolved,
			resolution = EXCLUDED.resolution
		WHERE NOT conflicts.resolved`,
		c.ID, string(c.EntityType), c.EntityID, string(c.ConflictType), c.OperationID,
		local, remote, c.DetectedAt, c.Resolved, resolution)
	return model.NewStorageError("save conflict", err)
}

// GetConflict returns a conflict by id
func (s *Store) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conflict{}, notFound("conflict", id)
	}
	if err != nil {
		return model.Conflict{}, model.NewStorageError("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts oldest first
func (s *Store) ListConflicts(ctx context.Context, includeResolved bool) ([]model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if !includeResolved {
		query += ` WHERE NOT resolved`
	}
	query += ` ORDER BY detected_at, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, model.NewStorageError("list conflicts", err)
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, model.NewStorageError("list conflicts", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("list conflicts", err)
	}
	return out, nil
}

// ResolveConflict records res on an unresolved conflict. The row lock makes
// concurrent resolutions of the same conflict serialize; the loser gets
// model.ErrAlreadyResolved.
func (s *Store) ResolveConflict(ctx context.Context, id string, res model.Resolution) (model.Conflict, error) {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = s.now().UTC()
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1 FOR UPDATE`, id)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conflict{}, notFound("conflict", id)
	}
	if err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}
	if c.Resolved {
		return model.Conflict{}, model.ErrAlreadyResolved
	}
	if _, err := tx.Exec(ctx, `UPDATE conflicts SET resolved = true, resolution = $1 WHERE id = $2`, encoded, id); err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}
	c.Resolved = true
	c.Resolution = &res
	return c, nil
}

func scanConflict(row pgx.Row) (model.Conflict, error) {
	var (
		c                      model.Conflict
		entityType, kind       string
		local, remote, resolve []byte
	)
	err := row.Scan(&c.ID, &entityType, &c.EntityID, &kind, &c.OperationID,
		&local, &remote, &c.DetectedAt, &c.Resolved, &resolve)
	if err != nil {
		return model.Conflict{}, err
	}
	c.EntityType = model.EntityType(entityType)
	c.ConflictType = model.ConflictType(kind)
	c.DetectedAt = c.DetectedAt.UTC()
	if err := json.Unmarshal(local, &c.LocalRecord); err != nil {
		return model.Conflict{}, err
	}
	if err := json.Unmarshal(remote, &c.RemoteRecord); err != nil {
		return model.Conflict{}, err
	}
	if len(resolve) > 0 {
		c.Resolution = new(model.Resolution)
		if err := json.Unmarshal(resolve, c.Resolution); err != nil {
			return model.Conflict{}, err
		}
	}
	return c, nil
}
