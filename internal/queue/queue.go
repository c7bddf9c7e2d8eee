// Package queue defines the SyncQueue contract and the pure ordering and
// compaction rules shared by its backends.
package queue

import (
	"context"
	"sort"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Queue is the durable queue of pending sync operations. Parked operations
// are kept in the same store but never returned by DequeuePending.
type Queue interface {
	Enqueue(ctx context.Context, op model.SyncOperation) error

	// DequeuePending returns every active operation in drain order without
	// removing it
	DequeuePending(ctx context.Context) ([]model.SyncOperation, error)

	// Remove deletes an operation; removing a missing id is not an error
	Remove(ctx context.Context, id string) error

	UpdateRetry(ctx context.Context, id string, retryCount uint32, nextAttemptAt time.Time, lastErr string) error

	// Replace overwrites the payload, kind and base version of a queued op
	Replace(ctx context.Context, op model.SyncOperation) error

	// Block marks an op as waiting for a conflict decision; an empty
	// conflictID unblocks it
	Block(ctx context.Context, id, conflictID string) error

	// Park moves an op out of active rotation
	Park(ctx context.Context, op model.SyncOperation, reason string) error
	ListParked(ctx context.Context) ([]model.ParkedOperation, error)
	// Requeue moves a parked op back into rotation with a fresh retry budget
	Requeue(ctx context.Context, id string) error

	// PendingFor returns the active operations of a single entity in drain order
	PendingFor(ctx context.Context, t model.EntityType, id string) ([]model.SyncOperation, error)

	// Len counts active operations
	Len(ctx context.Context) (int, error)
}

// Less reports whether a drains before b: higher priority first, then
// older first, then by id
func Less(a, b model.SyncOperation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

// Sort orders ops in drain order in place
func Sort(ops []model.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool { return Less(ops[i], ops[j]) })
}
