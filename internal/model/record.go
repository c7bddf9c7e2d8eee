// Package model holds the data types shared by the offsync components: records,
// pending sync operations, conflicts and their resolutions.
package model

import (
	"fmt"
	"time"
)

// SyncStatus is the replication state of a local record
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the known statuses
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// Record is the canonical local representation of one entity instance.
//
// Version counts local mutations and only grows. RemoteVersion is the
// server-side version the record was last reconciled with (0 when the record
// has never reached the server).
type Record struct {
	EntityType    EntityType           `json:"entityType"`
	EntityID      string               `json:"entityId"`
	Payload       Payload              `json:"payload"`
	Version       uint64               `json:"version"`
	RemoteVersion int64                `json:"remoteVersion,omitempty"`
	LastModified  time.Time            `json:"lastModified"`
	FieldModified map[string]time.Time `json:"fieldModified,omitempty"`
	SyncStatus    SyncStatus           `json:"syncStatus"`
}

// Key returns the store key of the record
func (r Record) Key() string {
	return string(r.EntityType) + "/" + r.EntityID
}

// Clone returns a deep copy of the record
func (r Record) Clone() Record {
	out := r
	out.Payload = r.Payload.Clone()
	if r.FieldModified != nil {
		out.FieldModified = make(map[string]time.Time, len(r.FieldModified))
		for k, v := range r.FieldModified {
			out.FieldModified[k] = v
		}
	}
	return out
}

// FieldTime returns the modification time of a single payload field, falling
// back to the record timestamp when the field is not tracked
func (r Record) FieldTime(field string) time.Time {
	if t, ok := r.FieldModified[field]; ok {
		return t
	}
	return r.LastModified
}

// OpKind is the kind of mutation a SyncOperation replays
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// SyncOperation is a durable intent to replay a local mutation against the
// remote store
type SyncOperation struct {
	ID            string     `json:"id"`
	Kind          OpKind     `json:"kind"`
	EntityType    EntityType `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Payload       Payload    `json:"payload,omitempty"`
	BaseVersion   int64      `json:"baseVersion"`
	Priority      int32      `json:"priority"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	RetryCount    uint32     `json:"retryCount"`
	NextAttemptAt time.Time  `json:"nextAttemptAt,omitzero"`
	LastError     string     `json:"lastError,omitempty"`
	ConflictID    string     `json:"conflictId,omitempty"`
}

// Due reports whether the operation may be attempted at now
func (op SyncOperation) Due(now time.Time) bool {
	return op.NextAttemptAt.IsZero() || !op.NextAttemptAt.After(now)
}

// Blocked reports whether the operation waits for a conflict decision
func (op SyncOperation) Blocked() bool {
	return op.ConflictID != ""
}

// Key returns the key of the entity the operation targets
func (op SyncOperation) Key() string {
	return string(op.EntityType) + "/" + op.EntityID
}

func (op SyncOperation) String() string {
	return fmt.Sprintf("%s %s/%s (%s)", op.Kind, op.EntityType, op.EntityID, op.ID)
}

// ParkedOperation is an operation removed from active rotation after it
// exhausted its retries
type ParkedOperation struct {
	SyncOperation
	FailedAt time.Time `json:"failedAt"`
	Reason   string    `json:"reason"`
}

// ConflictType tells how local and remote views diverged
type ConflictType string

const (
	ConflictCreate  ConflictType = "create"
	ConflictUpdate  ConflictType = "update"
	ConflictVersion ConflictType = "version"
)

// Winner names the side a resolution picked
type Winner string

const (
	WinnerLocal   Winner = "local"
	WinnerRemote  Winner = "remote"
	WinnerMerged  Winner = "merged"
	WinnerPending Winner = "pending"
)

// Resolution is the outcome of conflict resolution
type Resolution struct {
	Winner       Winner    `json:"winner"`
	ResolvedData Payload   `json:"resolvedData"`
	Reason       string    `json:"reason"`
	Strategy     string    `json:"strategy"`
	ResolvedAt   time.Time `json:"resolvedAt,omitzero"`
}

// Conflict is a detected divergence between local and remote views of the
// same entity
type Conflict struct {
	ID           string       `json:"id"`
	EntityType   EntityType   `json:"entityType"`
	EntityID     string       `json:"entityId"`
	LocalRecord  Record       `json:"localRecord"`
	RemoteRecord Record       `json:"remoteRecord"`
	ConflictType ConflictType `json:"conflictType"`
	OperationID  string       `json:"operationId,omitempty"`
	DetectedAt   time.Time    `json:"detectedAt"`
	Resolved     bool         `json:"resolved"`
	Resolution   *Resolution  `json:"resolution,omitempty"`
}
