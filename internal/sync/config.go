// Package sync provides the synchronization coordinator that replays queued
// local mutations against the remote store and pulls remote changes back.
package sync

import (
	"time"

	"github.com/cybertec-postgresql/offsync/internal/connectivity"
	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/remote"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

// Config represents the runtime knobs of the coordinator
type Config struct {
	// MaxAttempts is the number of retries after the first failed call
	MaxAttempts   uint32
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RemoteTimeout time.Duration
	// SyncInterval is the periodic trigger while online; Schedule, a cron
	// spec, replaces it when set
	SyncInterval time.Duration
	Schedule     string
	// PullWorkers bounds the concurrent per-type fetches of the pull phase
	PullWorkers int
	EntityTypes []model.EntityType
}

// DefaultConfig returns the defaults used by the daemon
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Minute,
		RemoteTimeout: 10 * time.Second,
		SyncInterval:  30 * time.Second,
		PullWorkers:   4,
		EntityTypes:   model.EntityTypes,
	}
}

// Deps are the collaborators of the coordinator
type Deps struct {
	Store  store.Store
	Queue  queue.Queue
	Remote remote.Client
	// Connectivity is optional; without it the coordinator assumes online
	// until a remote call fails
	Connectivity connectivity.Source
	Resolver     *resolver.Resolver
	Bus          *events.Bus
	Clock        func() time.Time
}

// State of the coordinator
type State int

const (
	StateOffline State = iota
	StateIdle
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	}
	return "unknown"
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
