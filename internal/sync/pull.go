package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/store"
)

// pull fetches remote changes since the last successful pull. The entity
// types are fetched concurrently and applied one record at a time. The
// lastSyncTimestamp only advances when every fetch succeeded.
func (c *Coordinator) pull(ctx context.Context, stats *events.Stats) error {
	since, err := store.LastSync(ctx, c.deps.Store)
	if err != nil {
		return err
	}
	cycleStart := c.now()

	results := make([][]model.Record, len(c.cfg.EntityTypes))
	p := pool.New().WithMaxGoroutines(c.cfg.PullWorkers).WithContext(ctx).WithCancelOnError()
	for i, t := range c.cfg.EntityTypes {
		p.Go(func(ctx context.Context) error {
			callCtx, cancel := c.callCtx(ctx)
			defer cancel()
			recs, err := c.deps.Remote.ListEntitiesSince(callCtx, t, since)
			if err != nil {
				return fmt.Errorf("failed to list %s since %s: %w", t, since, err)
			}
			results[i] = recs
			return nil
		})
	}
	err = p.Wait()
	c.observe(err)
	if err != nil {
		return err
	}

	for i, recs := range results {
		for _, rec := range recs {
			if rec.EntityType == "" {
				rec.EntityType = c.cfg.EntityTypes[i]
			}
			err := c.Mutate(func() error {
				return c.pullOne(ctx, rec, stats)
			})
			if err != nil {
				return err
			}
		}
	}

	if err := store.SetLastSync(ctx, c.deps.Store, cycleStart); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"since":  since,
		"pulled": stats.Pulled,
	}).Debug("Pull phase completed")
	return nil
}

// pullOne reconciles a single remote record with the local copy. Remote
// data is only taken over a record that is synced and has nothing queued or
// parked; anything else is a version conflict. Called with the write lock
// held.
func (c *Coordinator) pullOne(ctx context.Context, remote model.Record, stats *events.Stats) error {
	pending, err := c.deps.Queue.PendingFor(ctx, remote.EntityType, remote.EntityID)
	if err != nil {
		return err
	}

	local, err := c.deps.Store.Get(ctx, remote.EntityType, remote.EntityID)
	switch {
	case model.IsNotFound(err):
		if len(pending) > 0 {
			// deleted locally, the queued delete wins
			return nil
		}
		parked, err := c.parkedFor(ctx, remote.EntityType, remote.EntityID)
		if err != nil {
			return err
		}
		if len(parked) > 0 {
			// the delete is parked; resurrecting the record would hide it
			return nil
		}
		return c.applyRemote(ctx, remote, stats)
	case err != nil:
		return err
	}

	if local.RemoteVersion != 0 && local.RemoteVersion >= remote.RemoteVersion {
		// already seen, typically the echo of our own push
		return nil
	}
	if len(pending) == 0 && local.SyncStatus == model.StatusSynced {
		return c.applyRemote(ctx, remote, stats)
	}
	for _, op := range pending {
		if op.Blocked() {
			// a decision is already pending for this entity
			return nil
		}
	}
	var op *model.SyncOperation
	if len(pending) > 0 {
		op = &pending[0]
	}
	return c.conflict(ctx, model.ConflictVersion, op, remote, stats)
}

// parkedFor returns the parked operations of one entity
func (c *Coordinator) parkedFor(ctx context.Context, t model.EntityType, id string) ([]model.SyncOperation, error) {
	parked, err := c.deps.Queue.ListParked(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.SyncOperation
	for _, p := range parked {
		if p.EntityType == t && p.EntityID == id {
			out = append(out, p.SyncOperation)
		}
	}
	return out, nil
}

func (c *Coordinator) applyRemote(ctx context.Context, remote model.Record, stats *events.Stats) error {
	remote.SyncStatus = model.StatusSynced
	if _, err := c.deps.Store.Apply(ctx, remote); err != nil {
		return err
	}
	stats.Pulled++
	return nil
}
