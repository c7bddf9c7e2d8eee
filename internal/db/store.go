package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

var (
	_ store.Store = (*Store)(nil)
	_ queue.Queue = (*Store)(nil)
)

// Store implements store.Store and queue.Queue on PostgreSQL. The schema is
// created by internal/migrations.
type Store struct {
	pool    PgxIface
	closeFn func()
	now     func() time.Time
}

// NewStore wraps an open pool or connection. When pool is a PgxPoolIface it
// is closed by Close.
func NewStore(pool PgxIface) *Store {
	s := &Store{pool: pool, now: time.Now}
	if p, ok := pool.(interface{ Close() }); ok {
		s.closeFn = p.Close
	}
	return s
}

// Close releases the pool
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const recordColumns = `entity_id, payload, version, remote_version, last_modified, field_modified, sync_status`

func tableFor(t model.EntityType) (string, error) {
	if _, err := model.KindOf(t); err != nil {
		return "", err
	}
	return "records_" + string(t), nil
}

func notFound(what string, key string) error {
	return fmt.Errorf("%w: %s %s", model.ErrNotFound, what, key)
}

// Put commits a local mutation of rec
func (s *Store) Put(ctx context.Context, rec model.Record) (model.Record, error) {
	return s.writeRecord(ctx, "put", rec, store.NextVersion)
}

// Apply writes remote or resolved data without counting a local mutation
func (s *Store) Apply(ctx context.Context, rec model.Record) (model.Record, error) {
	return s.writeRecord(ctx, "apply", rec, store.ApplyVersion)
}

func (s *Store) writeRecord(ctx context.Context, op string, rec model.Record,
	next func(*model.Record, model.Record) model.Record) (model.Record, error) {
	table, err := tableFor(rec.EntityType)
	if err != nil {
		return model.Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Record{}, model.NewStorageError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev *model.Record
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM `+table+` WHERE entity_id = $1 FOR UPDATE`, rec.EntityID)
	cur, err := scanRecord(row, rec.EntityType)
	switch {
	case err == nil:
		prev = &cur
	case !errors.Is(err, pgx.ErrNoRows):
		return model.Record{}, model.NewStorageError(op, err)
	}

	out := next(prev, rec)
	if out.SyncStatus == "" {
		out.SyncStatus = model.StatusPending
	}
	payload, err := out.Payload.JSON()
	if err != nil {
		return model.Record{}, model.NewStorageError(op, err)
	}
	fields, err := encodeFieldTimes(out.FieldModified)
	if err != nil {
		return model.Record{}, model.NewStorageError(op, err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO `+table+` (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			version = EXCLUDED.version,
			remote_version = EXCLUDED.remote_version,
			last_modified = EXCLUDED.last_modified,
			field_modified = EXCLUDED.field_modified,
			sync_status = EXCLUDED.sync_status`,
		out.EntityID, payload, int64(out.Version), out.RemoteVersion, out.LastModified, fields, string(out.SyncStatus))
	if err != nil {
		return model.Record{}, model.NewStorageError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Record{}, model.NewStorageError(op, err)
	}
	return out, nil
}

// SetStatus updates the sync status of a stored record
func (s *Store) SetStatus(ctx context.Context, t model.EntityType, id string, status model.SyncStatus) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE `+table+` SET sync_status = $1 WHERE entity_id = $2`, string(status), id)
	if err != nil {
		return model.NewStorageError("set status", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("record", string(t)+"/"+id)
	}
	return nil
}

// Get returns the stored record or model.ErrNotFound
func (s *Store) Get(ctx context.Context, t model.EntityType, id string) (model.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return model.Record{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM `+table+` WHERE entity_id = $1`, id)
	rec, err := scanRecord(row, t)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, notFound("record", string(t)+"/"+id)
	}
	if err != nil {
		return model.Record{}, model.NewStorageError("get", err)
	}
	return rec, nil
}

// Query returns the records of t accepted by pred, ordered by entity id
func (s *Store) Query(ctx context.Context, t model.EntityType, pred store.Predicate) ([]model.Record, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}
	if pred == nil {
		pred = store.All
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM `+table+` ORDER BY entity_id`)
	if err != nil {
		return nil, model.NewStorageError("query", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows, t)
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
func (s *Store) Delete(ctx context.Context, t model.EntityType, id string) error {
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE entity_id = $1`, id)
	return model.NewStorageError("delete", err)
}

// Count returns the number of stored records of t
func (s *Store) Count(ctx context.Context, t model.EntityType) (uint64, error) {
	table, err := tableFor(t)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+table).Scan(&n); err != nil {
		return 0, model.NewStorageError("count", err)
	}
	return uint64(n), nil
}

// GetMeta reads a metadata value
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, model.NewStorageError("get meta", err)
	}
	return v, true, nil
}

// SetMeta stores a metadata value
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return model.NewStorageError("set meta", err)
}

func scanRecord(row pgx.Row, t model.EntityType) (model.Record, error) {
	var (
		rec     model.Record
		payload []byte
		version int64
		fields  []byte
		status  string
	)
	if err := row.Scan(&rec.EntityID, &payload, &version, &rec.RemoteVersion, &rec.LastModified, &fields, &status); err != nil {
		return model.Record{}, err
	}
	var err error
	if rec.Payload, err = model.ParsePayload(payload); err != nil {
		return model.Record{}, err
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.FieldModified); err != nil {
			return model.Record{}, fmt.Errorf("failed to decode field timestamps: %w", err)
		}
	}
	rec.EntityType = t
	rec.Version = uint64(version)
	rec.LastModified = rec.LastModified.UTC()
	rec.SyncStatus = model.SyncStatus(status)
	return rec, nil
}

func encodeFieldTimes(m map[string]time.Time) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromNullTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
