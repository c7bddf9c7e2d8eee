// Package remote defines the authoritative server contract the coordinator
// replays queued operations against, with a REST client, a REST handler and
// an in-memory implementation.
package remote

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Client talks to the authoritative store. Implementations classify failures
// into the model error taxonomy: *model.NetworkError for transient failures,
// *model.ConflictError carrying the server record on version mismatch and
// *model.NotFoundError for unknown ids.
type Client interface {
	// CreateEntity stores a new entity under the client-chosen id. If the id
	// already exists the server record is returned in a ConflictError.
	CreateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload) (model.Record, error)

	// UpdateEntity replaces the payload if the server is still at
	// baseVersion; baseVersion 0 skips the check
	UpdateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload, baseVersion int64) (model.Record, error)

	DeleteEntity(ctx context.Context, t model.EntityType, id string) error

	// ListEntitiesSince returns entities modified strictly after since;
	// a zero since lists everything
	ListEntitiesSince(ctx context.Context, t model.EntityType, since time.Time) ([]model.Record, error)

	// Ping checks reachability
	Ping(ctx context.Context) error
}

// Entity is the wire form of a server record
type Entity struct {
	EntityType   model.EntityType `json:"entityType"`
	EntityID     string           `json:"entityId"`
	Payload      model.Payload    `json:"payload"`
	Version      int64            `json:"version"`
	LastModified time.Time        `json:"lastModified"`
}

// Record converts the wire form to a synced local record
func (e Entity) Record() model.Record {
	return model.Record{
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Payload:       e.Payload,
		RemoteVersion: e.Version,
		LastModified:  e.LastModified.UTC(),
		SyncStatus:    model.StatusSynced,
	}
}

// EntityFrom converts a record to its wire form
func EntityFrom(r model.Record) Entity {
	return Entity{
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		Payload:      r.Payload,
		Version:      r.RemoteVersion,
		LastModified: r.LastModified,
	}
}
