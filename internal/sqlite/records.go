package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

const recordColumns = `entity_id, payload, version, remote_version, last_modified, field_modified, sync_status`

// Put commits a local mutation of rec
func (db *DB) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	return db.writeRecord(ctx, "put", rec, store.NextVersion)
}

// Apply writes remote or resolved data without counting a local mutation
func (db *DB) Apply(ctx context.Context, rec model.Record) (model.Record, error) {
	return db.writeRecord(ctx, "apply", rec, store.ApplyVersion)
}

func (db *DB) writeRecord(ctx context.Context, op string, rec model.Record,
	next func(*model.Record, model.Record) model.Record) (model.Record, error) {
	table, err := tableFor(rec.EntityType)
	if err != nil {
		return model.Record{}, err
	}

	var out model.Record
	err = db.write(ctx, op, func(tx *sql.Tx) error {
		var prev *model.Record
		cur, err := db.getRecord(ctx, tx, table, rec.EntityType, rec.EntityID)
		switch {
		case err == nil:
			prev = &cur
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		out = next(prev, rec)
		if out.SyncStatus == "" {
			out.SyncStatus = model.StatusPending
		}
		payload, err := out.Payload.JSON()
		if err != nil {
			return model.NewStorageError(op, err)
		}
		fields, err := encodeFieldTimes(out.FieldModified)
		if err != nil {
			return model.NewStorageError(op, err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO `+table+` (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				payload = excluded.payload,
				version = excluded.version,
				remote_version = excluded.remote_version,
				last_modified = excluded.last_modified,
				field_modified = excluded.field_modified,
				sync_status = excluded.sync_status`,
			out.EntityID, db.codec.Encode(payload), int64(out.Version), out.RemoteVersion,
			toNanos(out.LastModified), fields, string(out.SyncStatus))
		return model.NewStorageError(op, err)
	})
	if err != nil {
		return model.Record{}, err
	}
	return out, nil
}

// SetStatus updates the sync status of a stored record
func (db *DB) SetStatus(ctx context.Context, t model.EntityType, id string, status model.SyncStatus) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}
	return db.write(ctx, "set status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE `+table+` SET sync_status = ? WHERE entity_id = ?`, string(status), id)
		if err != nil {
			return model.NewStorageError("set status", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("record", string(t), id)
		}
		return nil
	})
}

// Get returns the stored record or model.ErrNotFound
func (db *DB) Get(ctx context.Context, t model.EntityType, id string) (model.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return model.Record{}, err
	}
	return db.getRecord(ctx, db.conn, table, t, id)
}

func (db *DB) getRecord(ctx context.Context, q querier, table string, t model.EntityType, id string) (model.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+table+` WHERE entity_id = ?`, id)
	rec, err := db.scanRecord(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, notFound("record", string(t), id)
	}
	if err != nil {
		return model.Record{}, model.NewStorageError("get", err)
	}
	return rec, nil
}

// Query returns the records of t accepted by pred, ordered by entity id
func (db *DB) Query(ctx context.Context, t model.EntityType, pred store.Predicate) ([]model.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		pred = store.All
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+table+` ORDER BY entity_id`)
	if err != nil {
		return nil, model.NewStorageError("query", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := db.scanRecord(rows, t)
		if err != nil {
			return nil, model.NewStorageError("query", err)
		}
		if pred(rec) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("query", err)
	}
	return out, nil
}

// Delete removes a record; a missing id is not an error
func (db *DB) Delete(ctx context.Context, t model.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	return db.write(ctx, "delete", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE entity_id = ?`, id)
		return model.NewStorageError("delete", err)
	})
}

// Count returns the number of stored records of t
func (db *DB) Count(ctx context.Context, t model.EntityType) (uint64, error) {
	table, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, model.NewStorageError("count", err)
	}
	return uint64(n), nil
}

// GetMeta reads a metadata value
func (db *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, model.NewStorageError("get meta", err)
	}
	return v, true, nil
}

// SetMeta stores a metadata value
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	return db.write(ctx, "set meta", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
		return model.NewStorageError("set meta", err)
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanRecord(s scanner, t model.EntityType) (model.Record, error) {
	var (
		rec      model.Record
		blob     []byte
		version  int64
		modified int64
		fields   sql.NullString
		status   string
	)
	if err := s.Scan(&rec.EntityID, &blob, &version, &rec.RemoteVersion, &modified, &fields, &status); err != nil {
		return model.Record{}, err
	}
	raw, err := db.codec.Decode(blob)
	if err != nil {
		return model.Record{}, err
	}
	if rec.Payload, err = model.ParsePayload(raw); err != nil {
		return model.Record{}, err
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.FieldModified); err != nil {
			return model.Record{}, fmt.Errorf("failed to decode field timestamps: %w", err)
		}
	}
	rec.EntityType = t
	rec.Version = uint64(version)
	rec.LastModified = fromNanos(modified)
	rec.SyncStatus = model.SyncStatus(status)
	return rec, nil
}

func encodeFieldTimes(m map[string]time.Time) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
