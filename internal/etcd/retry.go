package etcd

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/retry"
)

// NewEtcdClientWithRetry connects to etcd, retrying until a read succeeds.
// A malformed DSN fails at once.
func NewEtcdClientWithRetry(ctx context.Context, dsn string) (*EtcdClient, error) {
	if _, err := parseEtcdDSN(dsn); err != nil {
		return nil, err
	}

	var client *EtcdClient
	err := retry.Do(ctx, retry.Remote(), "etcd connect", func(ctx context.Context) error {
		var err error
		if client, err = NewEtcdClient(dsn); err != nil {
			return err
		}
		if _, err := client.client.Get(ctx, "healthcheck"); err != nil {
			_ = client.Close()
			return err
		}
		return nil
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}
	return client, nil
}

// WatchChanges calls onChange with the entity type of every key modified
// under the client prefix until ctx is done. Broken watches are restarted
// from the last seen revision. After a compaction the changed types are
// unknown and onChange receives an empty type.
func (c *EtcdClient) WatchChanges(ctx context.Context, onChange func(model.EntityType)) {
	var currentRevision int64
	for ctx.Err() == nil {
		watchChan := c.WatchPrefix(ctx, currentRevision)

	watch:
		for {
			select {
			case <-ctx.Done():
				return
			case watchResp, ok := <-watchChan:
				if !ok {
					logrus.Warn("etcd watch channel closed, attempting to restart")
					break watch
				}
				if watchResp.Canceled {
					logrus.Warn("etcd watch was canceled, attempting to restart")
					break watch
				}
				if err := watchResp.Err(); err != nil {
					if errors.Is(err, rpctypes.ErrCompacted) {
						// changes before the compaction are gone; the next pull
						// still sees them through the list call
						currentRevision = watchResp.CompactRevision - 1
						onChange("")
					}
					logrus.WithError(err).Error("etcd watch error, attempting to restart")
					break watch
				}

				seen := make(map[model.EntityType]bool)
				for _, event := range watchResp.Events {
					if event.Kv.ModRevision > currentRevision {
						currentRevision = event.Kv.ModRevision
					}
					if t, _, ok := parseKey(c.prefix, string(event.Kv.Key)); ok && !seen[t] {
						seen[t] = true
						onChange(t)
					}
				}
			}
		}

		logrus.WithField("revision", currentRevision).Info("Restarting etcd watch")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
