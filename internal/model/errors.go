package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("offsync: not found")
	ErrAlreadyResolved   = errors.New("offsync: conflict already resolved")
	ErrUnknownEntityType = errors.New("offsync: unknown entity type")
)

// ValidationError reports a malformed record rejected at write time
type ValidationError struct {
	EntityType EntityType
	Field      string
	Msg        string
}

func NewValidationError(t EntityType, field, msg string) *ValidationError {
	return &ValidationError{EntityType: t, Field: field, Msg: msg}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s: %s", e.EntityType, e.Msg)
	}
	return fmt.Sprintf("invalid %s: field %s %s", e.EntityType, e.Field, e.Msg)
}

// StorageError wraps a local I/O failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil or already a StorageError
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NetworkError is a transient transport failure; the operation is retried
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError carries the server's current record after a version mismatch
type ConflictError struct {
	Remote Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: server is at version %d", e.Remote.Key(), e.Remote.RemoteVersion)
}

// NotFoundError reports that the remote does not know the target id
type NotFoundError struct {
	EntityType EntityType
	EntityID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.EntityType, e.EntityID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ExhaustedRetriesError is the terminal state of an operation that failed
// MaxAttempts times
type ExhaustedRetriesError struct {
	OperationID string
	Attempts    uint32
	Err         error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.OperationID, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is transient. Timeouts count as network
// failures.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether err is a local or remote not-found
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsConflict extracts the ConflictError from err
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
