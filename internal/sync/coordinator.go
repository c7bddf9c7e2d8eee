package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
	"github.com/cybertec-postgresql/offsync/internal/retry"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

var (
	// ErrSyncInProgress is returned when a cycle is requested while one runs
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrOffline is returned when a cycle is requested or interrupted while
	// the connectivity source reports offline
	ErrOffline = errors.New("offline")
)

// Coordinator runs sync cycles. Only one cycle runs at a time.
type Coordinator struct {
	deps    Deps
	cfg     Config
	backoff *retry.Config

	syncing   atomic.Bool
	assumeOn  atomic.Bool
	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once

	// writeMu orders writes to the local store and queue: host mutations
	// made through Mutate and every check-then-apply step of a cycle.
	// inFlight is the entity key of the operation awaiting the remote.
	writeMu  sync.Mutex
	inFlight string

	mu          sync.Mutex
	state       State
	lastErr     error
	lastStats   events.Stats
	lastCycleAt time.Time
}

// Status is a snapshot for callers and the operator API
type Status struct {
	State       State        `json:"state"`
	Online      bool         `json:"online"`
	Pending     int          `json:"pending"`
	Parked      int          `json:"parked"`
	Conflicts   int          `json:"conflicts"`
	LastSync    time.Time    `json:"lastSync,omitzero"`
	LastCycleAt time.Time    `json:"lastCycleAt,omitzero"`
	LastCycle   events.Stats `json:"lastCycle"`
	LastError   string       `json:"lastError,omitempty"`
}

// New creates a coordinator. Missing optional deps get defaults.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Remote == nil {
		return nil, errors.New("store, queue and remote are required")
	}
	if deps.Resolver == nil {
		deps.Resolver = resolver.New()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	def := DefaultConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.PullWorkers <= 0 {
		cfg.PullWorkers = def.PullWorkers
	}
	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = def.EntityTypes
	}

	c := &Coordinator{
		deps:      deps,
		cfg:       cfg,
		backoff:   retry.Queue(cfg.BaseDelay, cfg.MaxDelay),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	c.assumeOn.Store(true)
	if c.online() {
		c.state = StateIdle
	}
	return c, nil
}

// Resolver returns the resolver used for automatic decisions
func (c *Coordinator) Resolver() *resolver.Resolver {
	return c.deps.Resolver
}

func (c *Coordinator) now() time.Time {
	return c.deps.Clock().UTC()
}

func (c *Coordinator) online() bool {
	if c.deps.Connectivity != nil {
		return c.deps.Connectivity.Online()
	}
	return c.assumeOn.Load()
}

// Online reports the connectivity the coordinator acts on
func (c *Coordinator) Online() bool {
	return c.online()
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status collects the current sync status
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	pending, err := c.deps.Queue.Len(ctx)
	if err != nil {
		return Status{}, err
	}
	parked, err := c.deps.Queue.ListParked(ctx)
	if err != nil {
		return Status{}, err
	}
	conflicts, err := c.deps.Store.ListConflicts(ctx, false)
	if err != nil {
		return Status{}, err
	}
	lastSync, err := store.LastSync(ctx, c.deps.Store)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.state,
		Online:      c.online(),
		Pending:     pending,
		Parked:      len(parked),
		Conflicts:   len(conflicts),
		LastSync:    lastSync,
		LastCycleAt: c.lastCycleAt,
		LastCycle:   c.lastStats,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st, nil
}

// Mutate runs fn under the lock the coordinator holds while it applies
// remote results, so a local mutation lands either before a result is
// checked or after it is written, never in between. Remote calls are made
// outside the lock.
func (c *Coordinator) Mutate(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn()
}

// Busy reports whether an operation of the entity is on its way to the
// remote. It is meant to be called inside Mutate.
func (c *Coordinator) Busy(key string) bool {
	return c.inFlight != "" && c.inFlight == key
}

// Trigger requests a cycle without waiting. Requests made while one is
// already waiting collapse into it; a request made during a cycle runs once
// that cycle is over.
func (c *Coordinator) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// Stop ends Run. A cycle in progress finishes its in-flight operation.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run is the coordinator loop: it syncs on reconnect, on schedule ticks
// while online and on Trigger, until ctx is done or Stop is called
func (c *Coordinator) Run(ctx context.Context) error {
	logrus.Info("Starting sync coordinator")

	var connCh <-chan bool
	if c.deps.Connectivity != nil {
		ch, unsubscribe := c.deps.Connectivity.Subscribe()
		defer unsubscribe()
		connCh = ch
	}

	ticks, stopSchedule, err := c.schedule()
	if err != nil {
		return err
	}
	defer stopSchedule()

	if c.online() {
		c.setState(StateIdle)
		c.runCycle(ctx, "startup")
	} else {
		c.setState(StateOffline)
	}

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Sync coordinator stopped due to context cancellation")
			return ctx.Err()
		case <-c.stopCh:
			logrus.Info("Sync coordinator stopped")
			return nil
		case online := <-connCh:
			c.deps.Bus.Publish(events.Event{Type: events.ConnectivityChanged, Online: online})
			if !online {
				c.setState(StateOffline)
				continue
			}
			c.setState(StateIdle)
			c.runCycle(ctx, "reconnect")
		case <-ticks:
			if c.deps.Connectivity != nil && !c.online() {
				continue
			}
			c.runCycle(ctx, "schedule")
		case <-c.triggerCh:
			c.runCycle(ctx, "trigger")
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context, reason string) {
	_, err := c.SyncNow(ctx)
	if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		logrus.WithError(err).WithField("reason", reason).Warn("Sync cycle failed")
	}
}

// SyncNow runs one cycle and waits for it. Requests made while a cycle is
// running return ErrSyncInProgress.
func (c *Coordinator) SyncNow(ctx context.Context) (events.Stats, error) {
	if !c.syncing.CompareAndSwap(false, true) {
		return events.Stats{}, ErrSyncInProgress
	}
	defer c.syncing.Store(false)

	if c.deps.Connectivity != nil && !c.online() {
		c.setState(StateOffline)
		return events.Stats{}, ErrOffline
	}

	c.setState(StateSyncing)
	c.deps.Bus.Publish(events.Event{Type: events.SyncStarted})
	start := time.Now()
	logrus.Debug("Sync cycle started")

	var stats events.Stats
	err := c.push(ctx, &stats)
	if err == nil {
		err = c.pull(ctx, &stats)
	}

	c.mu.Lock()
	c.lastErr = err
	c.lastStats = stats
	c.lastCycleAt = c.now()
	switch {
	case errors.Is(err, ErrOffline), model.IsNetwork(err) && !c.online():
		c.state = StateOffline
	default:
		c.state = StateIdle
	}
	c.mu.Unlock()

	fields := logrus.Fields{
		"pushed":    stats.Pushed,
		"pulled":    stats.Pulled,
		"conflicts": stats.Conflicts,
		"retried":   stats.Retried,
		"parked":    stats.Parked,
		"skipped":   stats.Skipped,
		"duration":  time.Since(start),
	}
	if err != nil {
		logrus.WithFields(fields).WithError(err).Info("Sync cycle aborted")
		c.deps.Bus.Publish(events.Event{Type: events.SyncFailed, Err: err, Stats: &stats})
		return stats, fmt.Errorf("sync cycle failed: %w", err)
	}
	logrus.WithFields(fields).Info("Sync cycle completed")
	c.deps.Bus.Publish(events.Event{Type: events.SyncCompleted, Stats: &stats})
	return stats, nil
}

// observe updates the assumed connectivity from the outcome of a remote call
func (c *Coordinator) observe(err error) {
	if c.deps.Connectivity != nil {
		return
	}
	if err == nil || !model.IsNetwork(err) {
		if !c.assumeOn.Swap(true) {
			c.deps.Bus.Publish(events.Event{Type: events.ConnectivityChanged, Online: true})
		}
		return
	}
	if c.assumeOn.Swap(false) {
		c.deps.Bus.Publish(events.Event{Type: events.ConnectivityChanged, Online: false})
	}
}

func (c *Coordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RemoteTimeout)
}
