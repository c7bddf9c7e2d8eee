// Package events is the typed publish/subscribe channel observers use to
// follow synchronization progress.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Type identifies an event
type Type string

const (
	SyncStarted         Type = "sync-started"
	OperationSynced     Type = "operation-synced"
	SyncFailed          Type = "sync-failed"
	ConflictDetected    Type = "conflict-detected"
	SyncCompleted       Type = "sync-completed"
	ConnectivityChanged Type = "connectivity-changed"
)

// Stats summarises one sync cycle
type Stats struct {
	Pushed    int `json:"pushed"`
	Pulled    int `json:"pulled"`
	Conflicts int `json:"conflicts"`
	Retried   int `json:"retried"`
	Parked    int `json:"parked"`
	Skipped   int `json:"skipped"`
}

// Event is delivered by value to every subscriber
type Event struct {
	Type        Type             `json:"type"`
	Time        time.Time        `json:"time"`
	EntityType  model.EntityType `json:"entityType,omitempty"`
	EntityID    string           `json:"entityId,omitempty"`
	OperationID string           `json:"operationId,omitempty"`
	ConflictID  string           `json:"conflictId,omitempty"`
	Online      bool             `json:"online,omitempty"`
	Err         error            `json:"-"`
	Stats       *Stats           `json:"stats,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Subscription receives events on C until Close is called
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	bus   *Bus
	types map[Type]bool
	once  sync.Once
}

// Subscribe registers a subscriber with the given buffer size. When types
// are given only those events are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unregisters the subscription and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
