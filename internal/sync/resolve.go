package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
)

// conflict records a divergence between the local record and remote and
// routes it through the resolver. op is the operation that hit the conflict,
// nil when it was detected by the pull phase. Called with the write lock
// held.
func (c *Coordinator) conflict(ctx context.Context, ct model.ConflictType, op *model.SyncOperation,
	remote model.Record, stats *events.Stats) error {
	pending, err := c.deps.Queue.PendingFor(ctx, remote.EntityType, remote.EntityID)
	if err != nil {
		return err
	}

	local, err := c.deps.Store.Get(ctx, remote.EntityType, remote.EntityID)
	deleted := model.IsNotFound(err)
	if err != nil {
		if !deleted || op == nil {
			return err
		}
		local = model.Record{
			EntityType:   op.EntityType,
			EntityID:     op.EntityID,
			Payload:      op.Payload,
			LastModified: op.EnqueuedAt,
			SyncStatus:   model.StatusPending,
		}
	}

	cf := model.Conflict{
		ID:           uuid.NewString(),
		EntityType:   remote.EntityType,
		EntityID:     remote.EntityID,
		LocalRecord:  local,
		RemoteRecord: remote,
		ConflictType: ct,
		DetectedAt:   c.now(),
	}
	if op != nil {
		cf.OperationID = op.ID
	}
	if err := c.deps.Store.SaveConflict(ctx, cf); err != nil {
		return err
	}
	stats.Conflicts++
	c.deps.Bus.Publish(events.Event{
		Type:        events.ConflictDetected,
		EntityType:  cf.EntityType,
		EntityID:    cf.EntityID,
		OperationID: cf.OperationID,
		ConflictID:  cf.ID,
	})

	if deleted {
		if i := lastDelete(pending); i >= 0 {
			return c.keepDelete(ctx, cf, pending, i)
		}
	}

	res := c.deps.Resolver.Resolve(ct, local, remote)
	logrus.WithFields(logrus.Fields{
		"conflict": cf.ID,
		"entity":   local.Key(),
		"type":     ct,
		"strategy": res.Strategy,
		"winner":   res.Winner,
	}).Info("Conflict detected")

	if resolver.CanAutoResolve(res) {
		// the resolver saw the local record with every queued write in it
		_, err := c.applyResolution(ctx, cf.ID, res, pending)
		return err
	}

	// wait for a caller decision; every queued op of the entity stays put
	for _, p := range pending {
		if err := c.deps.Queue.Block(ctx, p.ID, cf.ID); err != nil {
			return err
		}
	}
	return nil
}

// lastDelete returns the index of the last queued delete, or -1
func lastDelete(pending []model.SyncOperation) int {
	for i := len(pending) - 1; i >= 0; i-- {
		if pending[i].Kind == model.OpDelete {
			return i
		}
	}
	return -1
}

// keepDelete settles a conflict of an entity the caller has deleted since.
// The delete stays queued and wins; the operations queued before it are
// dropped.
func (c *Coordinator) keepDelete(ctx context.Context, cf model.Conflict, pending []model.SyncOperation, del int) error {
	_, err := c.deps.Store.ResolveConflict(ctx, cf.ID, model.Resolution{
		Winner:     model.WinnerLocal,
		Reason:     "deleted locally",
		Strategy:   "delete",
		ResolvedAt: c.now(),
	})
	if err != nil {
		return err
	}
	for _, p := range pending[:del] {
		if err := c.deps.Queue.Remove(ctx, p.ID); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"conflict":  cf.ID,
		"entity":    cf.LocalRecord.Key(),
		"operation": pending[del].ID,
	}).Info("Conflict settled by a queued delete")
	return nil
}

// ApplyResolution records res as the final decision of a conflict and
// applies it. The decision covers the operations blocked by the conflict;
// they are dropped together with parked operations of the entity. The remote
// side is written locally as synced, while a local or merged result is
// committed as a local mutation and queued as a single fresh update against
// the server version. Writes made after the conflict was detected are newer
// than the decision: they stay queued, rebased onto the server version, and
// the local payload is kept. The conflict can be resolved only once.
func (c *Coordinator) ApplyResolution(ctx context.Context, conflictID string, res model.Resolution) (model.Conflict, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cf, err := c.deps.Store.GetConflict(ctx, conflictID)
	if err != nil {
		return model.Conflict{}, err
	}
	pending, err := c.deps.Queue.PendingFor(ctx, cf.EntityType, cf.EntityID)
	if err != nil {
		return model.Conflict{}, err
	}
	var covered []model.SyncOperation
	for _, p := range pending {
		if p.ConflictID == conflictID {
			covered = append(covered, p)
		}
	}
	return c.applyResolution(ctx, conflictID, res, covered)
}

// applyResolution is ApplyResolution for the given covered operations.
// Called with the write lock held.
func (c *Coordinator) applyResolution(ctx context.Context, conflictID string, res model.Resolution,
	covered []model.SyncOperation) (model.Conflict, error) {
	if !resolver.CanAutoResolve(res) {
		return model.Conflict{}, fmt.Errorf("resolution of conflict %s has no winner", conflictID)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = c.now()
	}
	cf, err := c.deps.Store.ResolveConflict(ctx, conflictID, res)
	if err != nil {
		return model.Conflict{}, err
	}

	parked, err := c.parkedFor(ctx, cf.EntityType, cf.EntityID)
	if err != nil {
		return cf, err
	}
	superseded := append(append([]model.SyncOperation(nil), covered...), parked...)
	dropped := make(map[string]bool, len(superseded))
	for _, p := range superseded {
		if err := c.deps.Queue.Remove(ctx, p.ID); err != nil {
			return cf, err
		}
		dropped[p.ID] = true
	}

	pending, err := c.deps.Queue.PendingFor(ctx, cf.EntityType, cf.EntityID)
	if err != nil {
		return cf, err
	}
	var later []model.SyncOperation
	for _, p := range pending {
		if !dropped[p.ID] {
			later = append(later, p)
		}
	}

	remote := cf.RemoteRecord
	logger := logrus.WithFields(logrus.Fields{
		"conflict": cf.ID,
		"winner":   res.Winner,
	})
	if len(later) > 0 {
		if err := c.rebase(ctx, cf.EntityType, cf.EntityID, remote.RemoteVersion, later); err != nil {
			return cf, err
		}
		logger.WithField("queued", len(later)).Info("Conflict resolved, newer local writes kept")
		return cf, nil
	}

	if res.Winner == model.WinnerRemote {
		_, err := c.deps.Store.Apply(ctx, model.Record{
			EntityType:    cf.EntityType,
			EntityID:      cf.EntityID,
			Payload:       res.ResolvedData,
			RemoteVersion: remote.RemoteVersion,
			LastModified:  remote.LastModified,
			SyncStatus:    model.StatusSynced,
		})
		if err == nil {
			logger.Info("Conflict resolved in favour of the remote")
		}
		return cf, err
	}

	rec, err := c.deps.Store.Put(ctx, model.Record{
		EntityType:    cf.EntityType,
		EntityID:      cf.EntityID,
		Payload:       res.ResolvedData,
		RemoteVersion: remote.RemoteVersion,
		LastModified:  c.now(),
		SyncStatus:    model.StatusPending,
	})
	if err != nil {
		return cf, err
	}

	priority := int32(0)
	if kind, err := model.KindOf(cf.EntityType); err == nil {
		priority = kind.DefaultPriority()
	}
	for _, p := range superseded {
		if p.Priority > priority {
			priority = p.Priority
		}
	}
	op := model.SyncOperation{
		ID:          uuid.NewString(),
		Kind:        model.OpUpdate,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Payload:     rec.Payload,
		BaseVersion: remote.RemoteVersion,
		Priority:    priority,
		EnqueuedAt:  c.now(),
	}
	if err := c.deps.Queue.Enqueue(ctx, op); err != nil {
		return cf, err
	}

	logger.WithField("operation", op.ID).Info("Conflict resolved, queued result for the remote")
	return cf, nil
}
