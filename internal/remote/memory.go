package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Memory is an in-process authoritative store. Every write bumps a global
// revision which becomes the entity version, the way etcd revisions do.
type Memory struct {
	mu       sync.Mutex
	entities map[string]Entity
	rev      int64
	now      func() time.Time
	fail     error
	calls    int
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]Entity), now: time.Now}
}

// SetClock replaces the time source used for lastModified
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith makes every call return err until it is called with nil
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Calls returns how many client calls were made
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Seed writes an entity directly, as another client would. Version and
// lastModified are assigned when zero.
func (m *Memory) Seed(e Entity) Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rev++
	if e.Version == 0 {
		e.Version = m.rev
	} else if e.Version > m.rev {
		m.rev = e.Version
	}
	if e.LastModified.IsZero() {
		e.LastModified = m.now().UTC()
	}
	e.Payload = e.Payload.Clone()
	m.entities[key(e.EntityType, e.EntityID)] = e
	return e
}

// Lookup returns the stored entity
func (m *Memory) Lookup(t model.EntityType, id string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[key(t, id)]
	return e, ok
}

func key(t model.EntityType, id string) string { return string(t) + "/" + id }

func (m *Memory) enter() error {
	m.calls++
	return m.fail
}

// CreateEntity implements Client
func (m *Memory) CreateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return model.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Record{}, &model.NetworkError{Op: "create", Err: err}
	}
	if cur, ok := m.entities[key(t, id)]; ok {
		return model.Record{}, &model.ConflictError{Remote: cur.Record()}
	}
	return m.store(t, id, payload).Record(), nil
}

// UpdateEntity implements Client
func (m *Memory) UpdateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload, baseVersion int64) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return model.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Record{}, &model.NetworkError{Op: "update", Err: err}
	}
	cur, ok := m.entities[key(t, id)]
	if !ok {
		return model.Record{}, &model.NotFoundError{EntityType: t, EntityID: id}
	}
	if baseVersion > 0 && cur.Version != baseVersion {
		return model.Record{}, &model.ConflictError{Remote: cur.Record()}
	}
	return m.store(t, id, payload).Record(), nil
}

// DeleteEntity implements Client
func (m *Memory) DeleteEntity(ctx context.Context, t model.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &model.NetworkError{Op: "delete", Err: err}
	}
	k := key(t, id)
	if _, ok := m.entities[k]; !ok {
		return &model.NotFoundError{EntityType: t, EntityID: id}
	}
	m.rev++
	delete(m.entities, k)
	return nil
}

// ListEntitiesSince implements Client
func (m *Memory) ListEntitiesSince(ctx context.Context, t model.EntityType, since time.Time) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &model.NetworkError{Op: "list", Err: err}
	}
	var out []model.Record
	for _, e := range m.entities {
		if e.EntityType == t && e.LastModified.After(since) {
			rec := e.Record()
			rec.Payload = rec.Payload.Clone()
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

// Ping implements Client
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter()
}

func (m *Memory) store(t model.EntityType, id string, payload model.Payload) Entity {
	m.rev++
	e := Entity{
		EntityType:   t,
		EntityID:     id,
		Payload:      payload.Clone(),
		Version:      m.rev,
		LastModified: m.now().UTC(),
	}
	m.entities[key(t, id)] = e
	return e
}
