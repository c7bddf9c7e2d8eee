// Package offline is the entry point of the engine for host applications:
// entity level writes and reads against the local store, conflict decisions
// and the sync event stream.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
	"github.com/cybertec-postgresql/offsync/internal/store"
	syncer "github.com/cybertec-postgresql/offsync/internal/sync"
)

// Engine commits mutations locally and hands them to the coordinator.
// Writes never wait for the network.
type Engine struct {
	store    store.Store
	queue    queue.Queue
	coord    *syncer.Coordinator
	bus      *events.Bus
	policy   queue.Policy
	priority func(model.EntityType) int32
	notifier Notifier
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes an Engine
type Option func(*settings)

type settings struct {
	cfg      syncer.Config
	policy   queue.Policy
	priority func(model.EntityType) int32
	notifier Notifier
}

// WithSyncConfig replaces the coordinator defaults
func WithSyncConfig(cfg syncer.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithCompaction sets how repeated mutations of an entity are queued
func WithCompaction(p queue.Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithPriorities overrides the queue priority per entity type
func WithPriorities(fn func(model.EntityType) int32) Option {
	return func(s *settings) { s.priority = fn }
}

// WithNotifier sends user facing notices for sync outcomes
func WithNotifier(n Notifier) Option {
	return func(s *settings) { s.notifier = n }
}

func defaultPriority(t model.EntityType) int32 {
	kind, err := model.KindOf(t)
	if err != nil {
		return 0
	}
	return kind.DefaultPriority()
}

// New builds an engine and its coordinator. A bus is created when deps
// carries none.
func New(deps syncer.Deps, opts ...Option) (*Engine, error) {
	s := settings{
		cfg:      syncer.DefaultConfig(),
		policy:   queue.PolicyNone,
		priority: defaultPriority,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	coord, err := syncer.New(deps, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync coordinator: %w", err)
	}
	return &Engine{
		store:    deps.Store,
		queue:    deps.Queue,
		coord:    coord,
		bus:      deps.Bus,
		policy:   s.policy,
		priority: s.priority,
		notifier: s.notifier,
		now:      func() time.Time { return deps.Clock().UTC() },
	}, nil
}

// Coordinator exposes the sync coordinator, used by the operator API
func (e *Engine) Coordinator() *syncer.Coordinator {
	return e.coord
}

func kindOf(t model.EntityType) (model.Kind, error) {
	kind, err := model.KindOf(t)
	if err != nil {
		return nil, model.NewValidationError(t, "", "unknown entity type")
	}
	return kind, nil
}

// Write validates payload and stores it as the new state of the entity.
// An empty id creates a new entity with a generated id. The stored record
// is returned; it reaches the remote store asynchronously.
func (e *Engine) Write(ctx context.Context, t model.EntityType, id string, payload model.Payload) (model.Record, error) {
	kind, err := kindOf(t)
	if err != nil {
		return model.Record{}, err
	}
	if err := kind.Validate(payload); err != nil {
		return model.Record{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	var (
		rec    model.Record
		opKind = model.OpCreate
		stored bool
	)
	// the Put and its queued op are paired under the coordinator lock, so
	// a sync result for the entity is applied wholly before or after them
	err = e.coord.Mutate(func() error {
		now := e.now()
		var prev *model.Record
		cur, err := e.store.Get(ctx, t, id)
		switch {
		case err == nil:
			opKind = model.OpUpdate
			prev = &cur
		case !model.IsNotFound(err):
			return err
		}

		rec, err = e.store.Put(ctx, model.Record{
			EntityType:    t,
			EntityID:      id,
			Payload:       payload.Clone(),
			LastModified:  now,
			FieldModified: changedFields(prev, payload, now),
			SyncStatus:    model.StatusPending,
		})
		if err != nil {
			return err
		}
		stored = true

		op := model.SyncOperation{
			ID:          uuid.NewString(),
			Kind:        opKind,
			EntityType:  t,
			EntityID:    id,
			Payload:     rec.Payload.Clone(),
			BaseVersion: rec.RemoteVersion,
			Priority:    e.priority(t),
			EnqueuedAt:  now,
		}
		if err := e.record(ctx, op); err != nil {
			return fmt.Errorf("failed to queue %s of %s: %w", opKind, rec.Key(), err)
		}
		return nil
	})
	if err != nil {
		if stored {
			return rec, err
		}
		return model.Record{}, err
	}

	logrus.WithFields(logrus.Fields{
		"entity":  rec.Key(),
		"version": rec.Version,
		"kind":    opKind,
	}).Debug("Local write committed")
	e.coord.Trigger()
	return rec, nil
}

// changedFields stamps every key whose value differs from prev, including
// removed keys
func changedFields(prev *model.Record, payload model.Payload, now time.Time) map[string]time.Time {
	out := make(map[string]time.Time)
	if prev == nil {
		for k := range payload {
			out[k] = now
		}
		return out
	}
	for k, v := range payload {
		old, ok := prev.Payload[k]
		if !ok || !model.Payload{k: v}.Equal(model.Payload{k: old}) {
			out[k] = now
		}
	}
	for k := range prev.Payload {
		if _, ok := payload[k]; !ok {
			out[k] = now
		}
	}
	return out
}

// record queues op, folding it into the queued ops of the entity when the
// compaction policy allows. An entity with an operation on its way to the
// remote is not compacted; the in-flight operation must stay as sent. Called
// inside Mutate.
func (e *Engine) record(ctx context.Context, op model.SyncOperation) error {
	var pending []model.SyncOperation
	if e.policy != queue.PolicyNone && !e.coord.Busy(op.Key()) {
		var err error
		if pending, err = e.queue.PendingFor(ctx, op.EntityType, op.EntityID); err != nil {
			return err
		}
	}

	plan := queue.Compact(pending, op, e.policy)
	for _, id := range plan.Drop {
		if err := e.queue.Remove(ctx, id); err != nil {
			return err
		}
	}
	if plan.Replace != nil {
		if err := e.queue.Replace(ctx, *plan.Replace); err != nil {
			return err
		}
	}
	if plan.Enqueue != nil {
		if err := e.queue.Enqueue(ctx, *plan.Enqueue); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the local copy. While online a background sync is requested
// so the copy catches up with the remote store.
func (e *Engine) Read(ctx context.Context, t model.EntityType, id string) (model.Record, error) {
	if _, err := kindOf(t); err != nil {
		return model.Record{}, err
	}
	rec, err := e.store.Get(ctx, t, id)
	if err != nil {
		return model.Record{}, err
	}
	if e.coord.Online() {
		e.coord.Trigger()
	}
	return rec, nil
}

// Query returns the local records of t matching pred, sorted by id
func (e *Engine) Query(ctx context.Context, t model.EntityType, pred store.Predicate) ([]model.Record, error) {
	if _, err := kindOf(t); err != nil {
		return nil, err
	}
	return e.store.Query(ctx, t, pred)
}

// Delete removes the entity locally and queues its remote deletion.
// Deleting a missing entity is a no-op.
func (e *Engine) Delete(ctx context.Context, t model.EntityType, id string) error {
	if _, err := kindOf(t); err != nil {
		return err
	}

	deleted := false
	err := e.coord.Mutate(func() error {
		cur, err := e.store.Get(ctx, t, id)
		if err != nil {
			if model.IsNotFound(err) {
				return nil
			}
			return err
		}
		if err := e.store.Delete(ctx, t, id); err != nil {
			return err
		}
		deleted = true

		op := model.SyncOperation{
			ID:          uuid.NewString(),
			Kind:        model.OpDelete,
			EntityType:  t,
			EntityID:    id,
			BaseVersion: cur.RemoteVersion,
			Priority:    e.priority(t),
			EnqueuedAt:  e.now(),
		}
		if err := e.record(ctx, op); err != nil {
			return fmt.Errorf("failed to queue delete of %s: %w", cur.Key(), err)
		}
		return nil
	})
	if err != nil || !deleted {
		return err
	}
	e.coord.Trigger()
	return nil
}

// SyncStatus reports the coordinator state and queue counters
func (e *Engine) SyncStatus(ctx context.Context) (syncer.Status, error) {
	return e.coord.Status(ctx)
}

// Conflicts lists unresolved conflicts, or every recorded conflict when
// includeResolved is set
func (e *Engine) Conflicts(ctx context.Context, includeResolved bool) ([]model.Conflict, error) {
	return e.store.ListConflicts(ctx, includeResolved)
}

// ResolveConflict applies a caller decision to a pending conflict. custom
// is only used with resolver.ChoiceCustom. A conflict is resolved once;
// later calls return model.ErrAlreadyResolved.
func (e *Engine) ResolveConflict(ctx context.Context, id string, choice resolver.Choice, custom model.Payload) (model.Conflict, error) {
	cf, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return model.Conflict{}, err
	}
	res, err := e.coord.Resolver().Decide(cf, choice, custom)
	if err != nil {
		return model.Conflict{}, err
	}

	cf, err = e.coord.ApplyResolution(ctx, id, res)
	if err != nil {
		return cf, err
	}
	e.coord.Trigger()
	return cf, nil
}

// ForceSync runs a cycle now and waits for it
func (e *Engine) ForceSync(ctx context.Context) (events.Stats, error) {
	return e.coord.SyncNow(ctx)
}

// Parked lists operations that exhausted their retries or were rejected
func (e *Engine) Parked(ctx context.Context) ([]model.ParkedOperation, error) {
	return e.queue.ListParked(ctx)
}

// RetryParked puts a parked operation back into rotation
func (e *Engine) RetryParked(ctx context.Context, id string) error {
	parked, err := e.queue.ListParked(ctx)
	if err != nil {
		return err
	}
	var op *model.ParkedOperation
	for i := range parked {
		if parked[i].ID == id {
			op = &parked[i]
			break
		}
	}
	if op == nil {
		return fmt.Errorf("%w: parked operation %s", model.ErrNotFound, id)
	}

	err = e.coord.Mutate(func() error {
		if err := e.queue.Requeue(ctx, id); err != nil {
			return err
		}
		err := e.store.SetStatus(ctx, op.EntityType, op.EntityID, model.StatusPending)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	logrus.WithField("operation", id).Info("Parked operation requeued")
	e.coord.Trigger()
	return nil
}

// Subscribe returns a subscription to the engine events; no types means all
func (e *Engine) Subscribe(buffer int, types ...events.Type) *events.Subscription {
	return e.bus.Subscribe(buffer, types...)
}

// Start runs the coordinator loop and the notifier in the background
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("Sync coordinator exited")
		}
	}()

	if e.notifier != nil {
		sub := e.bus.Subscribe(64, events.SyncCompleted, events.ConflictDetected, events.SyncFailed)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer sub.Close()
			notify(ctx, sub, e.notifier)
		}()
	}
}

// Close stops the background work started by Start. The store stays open.
func (e *Engine) Close() {
	e.coord.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
