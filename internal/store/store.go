// Package store defines the PersistentStore contract: durable, keyed storage
// of typed entity records, the conflict audit collection and the sync
// metadata slot.
package store

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// MetaLastSync is the metadata key holding the last successful pull time
const MetaLastSync = "lastSyncTimestamp"

// Store is implemented by the sqlite and PostgreSQL backends. Every method
// is atomic per record; there are no cross-record transactions. I/O failures
// are returned as *model.StorageError.
type Store interface {
	// Put commits a local mutation. The stored version is the previous
	// version plus one (1 for a new record) and lastModified never moves
	// backwards.
	Put(ctx context.Context, rec model.Record) (model.Record, error)

	// Apply writes remote or resolved data. It keeps the version at
	// max(stored, given) so a remote write never regresses it.
	Apply(ctx context.Context, rec model.Record) (model.Record, error)

	// SetStatus changes only the sync status of a record
	SetStatus(ctx context.Context, t model.EntityType, id string, status model.SyncStatus) error

	// Get returns model.ErrNotFound when the record does not exist
	Get(ctx context.Context, t model.EntityType, id string) (model.Record, error)

	// Query returns matching records ordered by entity id
	Query(ctx context.Context, t model.EntityType, pred Predicate) ([]model.Record, error)

	// Delete removes a record; deleting a missing id is not an error
	Delete(ctx context.Context, t model.EntityType, id string) error

	Count(ctx context.Context, t model.EntityType) (uint64, error)

	SaveConflict(ctx context.Context, c model.Conflict) error
	GetConflict(ctx context.Context, id string) (model.Conflict, error)
	ListConflicts(ctx context.Context, includeResolved bool) ([]model.Conflict, error)
	// ResolveConflict records the decision exactly once; a second call
	// returns model.ErrAlreadyResolved
	ResolveConflict(ctx context.Context, id string, res model.Resolution) (model.Conflict, error)

	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// LastSync reads the last successful pull time; zero when never synced
func LastSync(ctx context.Context, s Store) (time.Time, error) {
	v, ok, err := s.GetMeta(ctx, MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, model.NewStorageError("read last sync", err)
	}
	return ts, nil
}

// SetLastSync stores the last successful pull time
func SetLastSync(ctx context.Context, s Store, ts time.Time) error {
	return s.SetMeta(ctx, MetaLastSync, ts.UTC().Format(time.RFC3339Nano))
}

// NextVersion computes the record written by a local Put over prev
// (nil when the record is new)
func NextVersion(prev *model.Record, rec model.Record) model.Record {
	out := rec.Clone()
	if prev == nil {
		out.Version = 1
		return out
	}
	out.Version = prev.Version + 1
	if out.LastModified.Before(prev.LastModified) {
		out.LastModified = prev.LastModified
	}
	if out.RemoteVersion == 0 {
		out.RemoteVersion = prev.RemoteVersion
	}
	out.FieldModified = mergeFieldTimes(prev.FieldModified, rec.FieldModified)
	return out
}

// ApplyVersion computes the record written by Apply over prev
func ApplyVersion(prev *model.Record, rec model.Record) model.Record {
	out := rec.Clone()
	if out.Version == 0 {
		out.Version = 1
	}
	if prev == nil {
		return out
	}
	if prev.Version > out.Version {
		out.Version = prev.Version
	}
	if out.LastModified.Before(prev.LastModified) {
		out.LastModified = prev.LastModified
	}
	if out.RemoteVersion < prev.RemoteVersion {
		out.RemoteVersion = prev.RemoteVersion
	}
	out.FieldModified = mergeFieldTimes(prev.FieldModified, rec.FieldModified)
	return out
}

func mergeFieldTimes(prev, next map[string]time.Time) map[string]time.Time {
	if len(prev) == 0 && len(next) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		if cur, ok := out[k]; !ok || v.After(cur) {
			out[k] = v
		}
	}
	return out
}
