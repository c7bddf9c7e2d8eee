package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
)

// push drains the queue one operation at a time. Operations that are not
// due or wait for a conflict decision hold back every later operation of the
// same entity. A network failure ends the phase.
func (c *Coordinator) push(ctx context.Context, stats *events.Stats) error {
	ops, err := c.deps.Queue.DequeuePending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	logrus.WithField("count", len(ops)).Debug("Pushing queued operations")

	held := make(map[string]bool)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.deps.Connectivity != nil && !c.online() {
			return ErrOffline
		}
		if held[op.Key()] {
			stats.Skipped++
			continue
		}

		fresh, found, ready, err := c.claim(ctx, op)
		if err != nil {
			return err
		}
		if !found {
			// superseded by a resolution or folded away since the drain
			continue
		}
		if !ready {
			held[op.Key()] = true
			stats.Skipped++
			continue
		}

		done, err := c.pushOne(ctx, fresh, stats)
		if err != nil {
			return err
		}
		if !done {
			held[op.Key()] = true
		}
	}
	return nil
}

// claim re-reads op under the write lock, since a local write or an earlier
// result may have changed it after the drain. When op may be attempted now
// its entity is marked in flight until pushOne has applied the result.
func (c *Coordinator) claim(ctx context.Context, op model.SyncOperation) (fresh model.SyncOperation, found, ready bool, err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	fresh, found, err = c.reload(ctx, op)
	if err != nil || !found {
		return fresh, found, false, err
	}
	if fresh.Blocked() || !fresh.Due(c.now()) {
		return fresh, true, false, nil
	}
	c.inFlight = fresh.Key()
	return fresh, true, true, nil
}

func (c *Coordinator) reload(ctx context.Context, op model.SyncOperation) (model.SyncOperation, bool, error) {
	pending, err := c.deps.Queue.PendingFor(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return model.SyncOperation{}, false, err
	}
	for _, p := range pending {
		if p.ID == op.ID {
			return p, true, nil
		}
	}
	return model.SyncOperation{}, false, nil
}

// pushOne replays op. done is false when the entity must not advance in this
// cycle.
func (c *Coordinator) pushOne(ctx context.Context, op model.SyncOperation, stats *events.Stats) (bool, error) {
	logger := logrus.WithFields(logrus.Fields{
		"operation": op.ID,
		"kind":      op.Kind,
		"entity":    op.Key(),
		"retries":   op.RetryCount,
	})

	callCtx, cancel := c.callCtx(ctx)
	rec, err := c.call(callCtx, op)
	cancel()
	c.observe(err)

	// the result is checked and applied in one step so a concurrent local
	// write lands wholly before or after it
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.inFlight = ""

	switch {
	case err == nil, op.Kind == model.OpDelete && model.IsNotFound(err):
		if err := c.succeeded(ctx, op, rec); err != nil {
			return false, err
		}
		stats.Pushed++
		logger.Debug("Operation synced")
		c.deps.Bus.Publish(events.Event{
			Type:        events.OperationSynced,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			OperationID: op.ID,
		})
		return true, nil

	case isConflict(err):
		ce, _ := model.AsConflict(err)
		logger.WithField("remote_version", ce.Remote.RemoteVersion).Info("Remote rejected operation with a conflict")
		ct := model.ConflictUpdate
		if op.Kind == model.OpCreate {
			ct = model.ConflictCreate
		}
		if err := c.conflict(ctx, ct, &op, ce.Remote, stats); err != nil {
			return false, err
		}
		return false, nil

	case model.IsNetwork(err):
		if err := c.retryOrPark(ctx, op, err, stats); err != nil {
			return false, err
		}
		return false, err
	}

	// the remote refused the operation for good
	logger.WithError(err).Error("Remote rejected operation, parking it")
	if perr := c.park(ctx, op, err, stats); perr != nil {
		return false, perr
	}
	return false, nil
}

func isConflict(err error) bool {
	_, ok := model.AsConflict(err)
	return ok
}

func (c *Coordinator) call(ctx context.Context, op model.SyncOperation) (model.Record, error) {
	switch op.Kind {
	case model.OpCreate:
		return c.deps.Remote.CreateEntity(ctx, op.EntityType, op.EntityID, op.Payload)
	case model.OpUpdate:
		return c.deps.Remote.UpdateEntity(ctx, op.EntityType, op.EntityID, op.Payload, op.BaseVersion)
	case model.OpDelete:
		return model.Record{}, c.deps.Remote.DeleteEntity(ctx, op.EntityType, op.EntityID)
	}
	return model.Record{}, model.NewValidationError(op.EntityType, "kind", fmt.Sprintf("unknown operation kind %q", op.Kind))
}

// succeeded stores the server result and removes op. Later operations of
// the same entity are rebased onto the new server version; while they exist
// the local payload stays ahead of the server and is not overwritten.
func (c *Coordinator) succeeded(ctx context.Context, op model.SyncOperation, rec model.Record) error {
	if err := c.deps.Queue.Remove(ctx, op.ID); err != nil {
		return err
	}
	if op.Kind == model.OpDelete {
		return nil
	}

	later, err := c.deps.Queue.PendingFor(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if len(later) == 0 {
		rec.SyncStatus = model.StatusSynced
		_, err := c.deps.Store.Apply(ctx, rec)
		return err
	}
	return c.rebase(ctx, op.EntityType, op.EntityID, rec.RemoteVersion, later)
}

// rebase points the queued updates in later and the local record at server
// version so they replay against it. The local payload is left alone.
func (c *Coordinator) rebase(ctx context.Context, t model.EntityType, id string, version int64, later []model.SyncOperation) error {
	for _, next := range later {
		if next.Kind != model.OpUpdate || next.BaseVersion == version {
			continue
		}
		next.BaseVersion = version
		if err := c.deps.Queue.Replace(ctx, next); err != nil {
			return err
		}
	}
	local, err := c.deps.Store.Get(ctx, t, id)
	if err != nil {
		if model.IsNotFound(err) {
			return nil
		}
		return err
	}
	if local.RemoteVersion >= version {
		return nil
	}
	local.RemoteVersion = version
	_, err = c.deps.Store.Apply(ctx, local)
	return err
}

// retryOrPark schedules the next attempt of op after a transient failure,
// or parks it once the retries are used up
func (c *Coordinator) retryOrPark(ctx context.Context, op model.SyncOperation, cause error, stats *events.Stats) error {
	if op.RetryCount >= c.cfg.MaxAttempts {
		return c.park(ctx, op, &model.ExhaustedRetriesError{
			OperationID: op.ID,
			Attempts:    op.RetryCount + 1,
			Err:         cause,
		}, stats)
	}

	retries := op.RetryCount + 1
	delay := c.backoff.DelayFor(retries)
	next := c.now().Add(delay)
	if err := c.deps.Queue.UpdateRetry(ctx, op.ID, retries, next, cause.Error()); err != nil {
		return err
	}
	stats.Retried++
	logrus.WithFields(logrus.Fields{
		"operation": op.ID,
		"retries":   retries,
		"delay":     delay,
	}).WithError(cause).Warn("Operation failed, retrying later")
	return nil
}

// park moves op out of rotation and marks the record failed
func (c *Coordinator) park(ctx context.Context, op model.SyncOperation, cause error, stats *events.Stats) error {
	op.LastError = cause.Error()
	if err := c.deps.Queue.Park(ctx, op, cause.Error()); err != nil {
		return err
	}
	stats.Parked++

	err := c.deps.Store.SetStatus(ctx, op.EntityType, op.EntityID, model.StatusFailed)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"operation": op.ID,
		"entity":    op.Key(),
	}).WithError(cause).Error("Operation parked for manual inspection")
	c.deps.Bus.Publish(events.Event{
		Type:        events.SyncFailed,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		OperationID: op.ID,
		Err:         cause,
	})
	return nil
}
