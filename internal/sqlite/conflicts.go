package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

const conflictColumns = `id, entity_type, entity_id, conflict_type, operation_id, local_record, remote_record, detected_at, resolved, resolution`

// SaveConflict inserts or replaces an unresolved conflict. A conflict that
// is already resolved is never overwritten.
func (db *DB) SaveConflict(ctx context.Context, c model.Conflict) error {
	local, err := json.Marshal(c.LocalRecord)
	if err != nil {
		return model.NewStorageError("save conflict", err)
	}
	remote, err := json.Marshal(c.RemoteRecord)
	if err != nil {
		return model.NewStorageError("save conflict", err)
	}
	resolution, err := encodeResolution(c.Resolution)
	if err != nil {
		return model.NewStorageError("save conflict", err)
	}
	return db.write(ctx, "save conflict", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO conflicts (`+conflictColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				local_record = excluded.local_record,
				remote_record = excluded.remote_record,
				resolved = excluded.resolved,
				resolution = excluded.resolution
			WHERE conflicts.resolved = 0`,
			c.ID, string(c.EntityType), c.EntityID, string(c.ConflictType), c.OperationID,
			string(local), string(remote), toNanos(c.DetectedAt), c.Resolved, resolution)
		return model.NewStorageError("save conflict", err)
	})
}

// GetConflict returns a conflict by id
func (db *DB) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	return getConflict(ctx, db.conn, id)
}

func getConflict(ctx context.Context, q querier, id string) (model.Conflict, error) {
	row := q.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conflict{}, notFound("conflict", id)
	}
	if err != nil {
		return model.Conflict{}, model.NewStorageError("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflicts oldest first
func (db *DB) ListConflicts(ctx context.Context, includeResolved bool) ([]model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at, id`

	rows, err := db.conn.QueryContext(ctx, query)
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

// ResolveConflict records res on an unresolved conflict
func (db *DB) ResolveConflict(ctx context.Context, id string, res model.Resolution) (model.Conflict, error) {
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = db.now().UTC()
	}
	encoded, err := encodeResolution(&res)
	if err != nil {
		return model.Conflict{}, model.NewStorageError("resolve conflict", err)
	}

	var out model.Conflict
	err = db.write(ctx, "resolve conflict", func(tx *sql.Tx) error {
		c, err := getConflict(ctx, tx, id)
		if err != nil {
			return err
		}
		if c.Resolved {
			return model.ErrAlreadyResolved
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conflicts SET resolved = 1, resolution = ? WHERE id = ? AND resolved = 0`,
			encoded, id); err != nil {
			return model.NewStorageError("resolve conflict", err)
		}
		c.Resolved = true
		c.Resolution = &res
		out = c
		return nil
	})
	return out, err
}

func scanConflict(s scanner) (model.Conflict, error) {
	var (
		c          model.Conflict
		entityType string
		kind       string
		local      string
		remote     string
		detected   int64
		resolution sql.NullString
	)
	err := s.Scan(&c.ID, &entityType, &c.EntityID, &kind, &c.OperationID,
		&local, &remote, &detected, &c.Resolved, &resolution)
	if err != nil {
		return model.Conflict{}, err
	}
	c.EntityType = model.EntityType(entityType)
	c.ConflictType = model.ConflictType(kind)
	c.DetectedAt = fromNanos(detected)
	if err := json.Unmarshal([]byte(local), &c.LocalRecord); err != nil {
		return model.Conflict{}, err
	}
	if err := json.Unmarshal([]byte(remote), &c.RemoteRecord); err != nil {
		return model.Conflict{}, err
	}
	if resolution.Valid && resolution.String != "" {
		c.Resolution = new(model.Resolution)
		if err := json.Unmarshal([]byte(resolution.String), c.Resolution); err != nil {
			return model.Conflict{}, err
		}
	}
	return c, nil
}

func encodeResolution(r *model.Resolution) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
