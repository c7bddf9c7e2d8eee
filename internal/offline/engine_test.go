package offline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offsync/internal/connectivity"
	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/queue"
	"github.com/cybertec-postgresql/offsync/internal/remote"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
	"github.com/cybertec-postgresql/offsync/internal/sqlite"
	"github.com/cybertec-postgresql/offsync/internal/store"
	syncer "github.com/cybertec-postgresql/offsync/internal/sync"
)

type fixture struct {
	engine *Engine
	db     *sqlite.DB
	remote *remote.Memory
	conn   *connectivity.Manual
}

func newFixture(t *testing.T, online bool, r *resolver.Resolver, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, online, r, nil, opts...)
}

// newFixtureWith lets wrap replace the backends before the engine is built
func newFixtureWith(t *testing.T, online bool, r *resolver.Resolver, wrap func(syncer.Deps) syncer.Deps, opts ...Option) *fixture {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{db: db, remote: remote.NewMemory(), conn: connectivity.NewManual(online)}
	deps := syncer.Deps{
		Store:        db,
		Queue:        db,
		Remote:       f.remote,
		Connectivity: f.conn,
		Resolver:     r,
	}
	if wrap != nil {
		deps = wrap(deps)
	}
	f.engine, err = New(deps, opts...)
	require.NoError(t, err)
	return f
}

func alert(severity int) model.Payload {
	return model.Payload{"eventType": "weather", "severity": severity, "status": "active"}
}

func TestWriteIncrementsVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	var rec model.Record
	var err error
	for i := 1; i <= 5; i++ {
		rec, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(i))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), rec.Version)
	assert.Equal(t, model.StatusPending, rec.SyncStatus)

	got, err := f.engine.Read(ctx, model.EntityAlert, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Version)

	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	assert.Equal(t, model.OpCreate, ops[0].Kind)
	assert.Equal(t, int32(1), ops[0].Priority)
	for _, op := range ops[1:] {
		assert.Equal(t, model.OpUpdate, op.Kind)
	}
}

func TestWriteGeneratesID(t *testing.T) {
	f := newFixture(t, false, nil)
	rec, err := f.engine.Write(context.Background(), model.EntityUserPreference, "", model.Payload{"userId": "u1", "theme": "dark"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.EntityID)
}

func TestWriteRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", model.Payload{"eventType": "weather", "severity": 11})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = f.engine.Write(ctx, model.EntityType("invoice"), "i1", model.Payload{"total": 3})
	assert.True(t, model.IsValidation(err))

	n, err := f.db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = f.engine.Read(ctx, model.EntityAlert, "a1")
	assert.True(t, model.IsNotFound(err))
}

func TestWriteStampsChangedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	first, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(3))
	require.NoError(t, err)
	createdAt := first.FieldModified["eventType"]
	require.False(t, createdAt.IsZero())

	time.Sleep(2 * time.Millisecond)
	second, err := f.engine.Write(ctx, model.EntityAlert, "a1", model.Payload{"eventType": "weather", "severity": 4})
	require.NoError(t, err)
	assert.True(t, second.FieldModified["eventType"].Equal(createdAt))
	assert.True(t, second.FieldModified["severity"].After(createdAt))
	assert.True(t, second.FieldModified["status"].After(createdAt), "removed fields are stamped too")
}

func TestOfflineWriteSyncsWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)

	_, err = f.engine.ForceSync(ctx)
	require.ErrorIs(t, err, syncer.ErrOffline)

	f.conn.SetOnline(true)
	stats, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)

	rec, err := f.engine.Read(ctx, model.EntityAlert, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSynced, rec.SyncStatus)

	status, err := f.engine.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, syncer.StateIdle, status.State)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil)

	require.NoError(t, f.engine.Delete(ctx, model.EntityAlert, "missing"))
	n, err := f.db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	require.NoError(t, f.engine.Delete(ctx, model.EntityAlert, "a1"))
	require.NoError(t, f.engine.Delete(ctx, model.EntityAlert, "a1"))

	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OpDelete, ops[1].Kind)

	_, err = f.engine.Read(ctx, model.EntityAlert, "a1")
	assert.True(t, model.IsNotFound(err))
}

func TestCoalescePolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil, WithCompaction(queue.PolicyCoalesce))

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(1))
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(2))
	require.NoError(t, err)

	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpCreate, ops[0].Kind)
	sev, _ := ops[0].Payload.Number("severity")
	assert.Equal(t, 2.0, sev)

	require.NoError(t, f.engine.Delete(ctx, model.EntityAlert, "a1"))
	n, err := f.db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a create followed by a delete never reaches the server")
}

func TestQueryAndPriorities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false, nil, WithPriorities(func(model.EntityType) int32 { return 7 }))

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(2))
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, model.EntityAlert, "a2", alert(9))
	require.NoError(t, err)

	recs, err := f.engine.Query(ctx, model.EntityAlert, store.FieldEquals("severity", 9))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a2", recs[0].EntityID)

	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	for _, op := range ops {
		assert.Equal(t, int32(7), op.Priority)
	}
}

func TestResolveConflictManually(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, &resolver.Resolver{Default: resolver.Manual, CreateStrategy: resolver.RemoteWins})

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)

	// another device changes the alert while we edit it
	f.remote.Seed(remote.Entity{EntityType: model.EntityAlert, EntityID: "a1", Payload: alert(8)})
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(6))
	require.NoError(t, err)

	stats, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Conflicts)

	open, err := f.engine.Conflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)

	cf, err := f.engine.ResolveConflict(ctx, open[0].ID, resolver.ChoiceRemote, nil)
	require.NoError(t, err)
	assert.True(t, cf.Resolved)
	assert.Equal(t, model.WinnerRemote, cf.Resolution.Winner)

	_, err = f.engine.ResolveConflict(ctx, open[0].ID, resolver.ChoiceLocal, nil)
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)

	rec, err := f.engine.Read(ctx, model.EntityAlert, "a1")
	require.NoError(t, err)
	sev, _ := rec.Payload.Number("severity")
	assert.Equal(t, 8.0, sev)
	assert.Equal(t, model.StatusSynced, rec.SyncStatus)

	n, err := f.db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	all, err := f.engine.Conflicts(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// severityOf reads the severity of the local copy
func severityOf(t *testing.T, f *fixture, id string) (float64, model.SyncStatus) {
	t.Helper()
	rec, err := f.db.Get(context.Background(), model.EntityAlert, id)
	require.NoError(t, err)
	sev, ok := rec.Payload.Number("severity")
	require.True(t, ok)
	return sev, rec.SyncStatus
}

func TestWriteDuringManualConflictIsKept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true, &resolver.Resolver{Default: resolver.Manual, CreateStrategy: resolver.RemoteWins})

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)

	f.remote.Seed(remote.Entity{EntityType: model.EntityAlert, EntityID: "a1", Payload: alert(8)})
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(6))
	require.NoError(t, err)
	stats, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Conflicts)

	// the user keeps editing while the decision is pending
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(9))
	require.NoError(t, err)

	open, err := f.engine.Conflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	_, err = f.engine.ResolveConflict(ctx, open[0].ID, resolver.ChoiceRemote, nil)
	require.NoError(t, err)

	sev, status := severityOf(t, f, "a1")
	assert.Equal(t, 9.0, sev)
	assert.Equal(t, model.StatusPending, status)

	server, ok := f.remote.Lookup(model.EntityAlert, "a1")
	require.True(t, ok)
	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.False(t, ops[0].Blocked())
	assert.Equal(t, server.Version, ops[0].BaseVersion)

	stats, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	server, _ = f.remote.Lookup(model.EntityAlert, "a1")
	sev, _ = server.Payload.Number("severity")
	assert.Equal(t, 9.0, sev)
}

// gatedRemote holds the first UpdateEntity until release is closed
type gatedRemote struct {
	remote.Client
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) UpdateEntity(ctx context.Context, t model.EntityType, id string, p model.Payload, base int64) (model.Record, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Client.UpdateEntity(ctx, t, id, p, base)
}

func TestWriteDuringPushIsQueuedSeparately(t *testing.T) {
	ctx := context.Background()
	gate := &gatedRemote{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, true, nil, func(d syncer.Deps) syncer.Deps {
		gate.Client = d.Remote
		d.Remote = gate
		return d
	}, WithCompaction(queue.PolicyCoalesce))

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(6))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.ForceSync(ctx)
		done <- err
	}()
	<-gate.entered
	// the update carrying 6 is on the wire; 7 must not be folded into it
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(7))
	require.NoError(t, err)
	close(gate.release)
	require.NoError(t, <-done)

	sev, status := severityOf(t, f, "a1")
	assert.Equal(t, 7.0, sev)
	assert.Equal(t, model.StatusPending, status)

	server, _ := f.remote.Lookup(model.EntityAlert, "a1")
	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, server.Version, ops[0].BaseVersion)

	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	server, _ = f.remote.Lookup(model.EntityAlert, "a1")
	sev, _ = server.Payload.Number("severity")
	assert.Equal(t, 7.0, sev)
	_, status = severityOf(t, f, "a1")
	assert.Equal(t, model.StatusSynced, status)
}

// gatedStore holds the first Apply after arm until release is closed
type gatedStore struct {
	store.Store
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Apply(ctx context.Context, rec model.Record) (model.Record, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Store.Apply(ctx, rec)
}

func newGatedFixture(t *testing.T) (*fixture, *gatedStore) {
	t.Helper()
	gate := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixtureWith(t, true, nil, func(d syncer.Deps) syncer.Deps {
		gate.Store = d.Store
		d.Store = gate
		return d
	})
	return f, gate
}

// writeWhileApplying starts a write once the gated Apply is reached and
// checks it waits for the Apply to finish
func writeWhileApplying(t *testing.T, f *fixture, gate *gatedStore, cycle func() error, severity int) {
	t.Helper()
	ctx := context.Background()

	synced := make(chan error, 1)
	go func() { synced <- cycle() }()
	<-gate.entered

	wrote := make(chan error, 1)
	go func() {
		_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(severity))
		wrote <- err
	}()
	select {
	case err := <-wrote:
		t.Fatalf("write finished while a sync result was being applied: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-synced)
	require.NoError(t, <-wrote)
}

func TestWriteWaitsForPushResult(t *testing.T) {
	ctx := context.Background()
	f, gate := newGatedFixture(t)

	_, err := f.engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	_, err = f.engine.Write(ctx, model.EntityAlert, "a1", alert(6))
	require.NoError(t, err)

	gate.armed.Store(true)
	writeWhileApplying(t, f, gate, func() error {
		_, err := f.engine.ForceSync(ctx)
		return err
	}, 7)

	sev, status := severityOf(t, f, "a1")
	assert.Equal(t, 7.0, sev)
	assert.Equal(t, model.StatusPending, status)

	server, _ := f.remote.Lookup(model.EntityAlert, "a1")
	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, server.Version, ops[0].BaseVersion)

	_, err = f.engine.ForceSync(ctx)
	require.NoError(t, err)
	server, _ = f.remote.Lookup(model.EntityAlert, "a1")
	sev, _ = server.Payload.Number("severity")
	assert.Equal(t, 7.0, sev)
}

func TestWriteWaitsForPulledRecord(t *testing.T) {
	ctx := context.Background()
	f, gate := newGatedFixture(t)
	seeded := f.remote.Seed(remote.Entity{EntityType: model.EntityAlert, EntityID: "a1", Payload: alert(8)})

	gate.armed.Store(true)
	writeWhileApplying(t, f, gate, func() error {
		_, err := f.engine.ForceSync(ctx)
		return err
	}, 3)

	sev, status := severityOf(t, f, "a1")
	assert.Equal(t, 3.0, sev)
	assert.Equal(t, model.StatusPending, status)

	ops, err := f.db.DequeuePending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpUpdate, ops[0].Kind)
	assert.Equal(t, seeded.Version, ops[0].BaseVersion)

	stats, err := f.engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pushed)
	server, _ := f.remote.Lookup(model.EntityAlert, "a1")
	sev, _ = server.Payload.Number("severity")
	assert.Equal(t, 3.0, sev)
}

type rejectCreates struct {
	remote.Client
}

func (rejectCreates) CreateEntity(context.Context, model.EntityType, string, model.Payload) (model.Record, error) {
	return model.Record{}, model.NewValidationError(model.EntityAlert, "eventType", "is not supported by the server")
}

func TestRetryParked(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "offsync.db"))
	require.NoError(t, err)
	defer db.Close()

	engine, err := New(syncer.Deps{Store: db, Queue: db, Remote: rejectCreates{Client: remote.NewMemory()}})
	require.NoError(t, err)

	_, err = engine.Write(ctx, model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)
	stats, err := engine.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Parked)

	rec, err := engine.Read(ctx, model.EntityAlert, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.SyncStatus)

	parked, err := engine.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)

	require.NoError(t, engine.RetryParked(ctx, parked[0].ID))
	assert.ErrorIs(t, engine.RetryParked(ctx, parked[0].ID), model.ErrNotFound)

	parked, err = engine.Parked(ctx)
	require.NoError(t, err)
	assert.Empty(t, parked)
	n, err := db.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err = engine.Read(ctx, model.EntityAlert, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.SyncStatus)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Show(title, _ string, _ Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
}

func (r *recordingNotifier) seen(title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.titles {
		if t == title {
			return true
		}
	}
	return false
}

func TestStartSyncsAndNotifies(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, true, nil, WithNotifier(n))
	sub := f.engine.Subscribe(16, events.OperationSynced)
	defer sub.Close()

	f.engine.Start(context.Background())
	defer f.engine.Close()

	_, err := f.engine.Write(context.Background(), model.EntityAlert, "a1", alert(5))
	require.NoError(t, err)

	select {
	case e := <-sub.C:
		assert.Equal(t, "a1", e.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("write was not synced in the background")
	}
	assert.Eventually(t, func() bool { return n.seen("Changes synced") }, time.Second, 10*time.Millisecond)
}

func TestNotice(t *testing.T) {
	_, _, _, show := notice(events.Event{Type: events.SyncCompleted, Stats: &events.Stats{}})
	assert.False(t, show)

	title, _, severity, show := notice(events.Event{Type: events.ConflictDetected, EntityType: model.EntityAlert, EntityID: "a1"})
	assert.True(t, show)
	assert.Equal(t, "Sync conflict", title)
	assert.Equal(t, SeverityWarning, severity)

	_, _, _, show = notice(events.Event{Type: events.SyncFailed})
	assert.False(t, show)
}
