package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/remote"
)

// Remote stores entities in etcd under <prefix>/<type>/<id>. The entity
// version is the key's ModRevision, so optimistic concurrency maps directly
// onto etcd transactions.
type Remote struct {
	client *EtcdClient
	now    func() time.Time
}

var _ remote.Client = (*Remote)(nil)

// storedValue is the JSON document kept in etcd
type storedValue struct {
	Payload      model.Payload `json:"payload"`
	LastModified time.Time     `json:"lastModified"`
}

// NewRemote wraps a connected client
func NewRemote(client *EtcdClient) *Remote {
	return &Remote{client: client, now: time.Now}
}

func collectionRoot(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/"
}

func typePrefix(prefix string, t model.EntityType) string {
	return collectionRoot(prefix) + string(t) + "/"
}

func entityKey(prefix string, t model.EntityType, id string) string {
	return typePrefix(prefix, t) + id
}

// parseKey splits a key below prefix into entity type and id
func parseKey(prefix, key string) (model.EntityType, string, bool) {
	rest, ok := strings.CutPrefix(key, collectionRoot(prefix))
	if !ok {
		return "", "", false
	}
	typ, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", "", false
	}
	t, err := model.ParseEntityType(typ)
	if err != nil {
		return "", "", false
	}
	return t, id, true
}

func encodeValue(payload model.Payload, ts time.Time) (string, error) {
	data, err := json.Marshal(storedValue{Payload: payload, LastModified: ts.UTC()})
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(data), nil
}

func decodeEntity(t model.EntityType, id string, value []byte, modRevision int64) (remote.Entity, error) {
	var v storedValue
	if err := json.Unmarshal(value, &v); err != nil {
		return remote.Entity{}, fmt.Errorf("failed to decode value of %s/%s: %w", t, id, err)
	}
	return remote.Entity{
		EntityType:   t,
		EntityID:     id,
		Payload:      v.Payload,
		Version:      modRevision,
		LastModified: v.LastModified,
	}, nil
}

// classify maps etcd and gRPC failures onto the model taxonomy
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.NetworkError{Op: op, Err: err}
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return &model.NetworkError{Op: op, Err: err}
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("etcd rejected %s: %w", op, err)
	}
	// unknown transport state is retried
	return &model.NetworkError{Op: op, Err: err}
}

// CreateEntity implements remote.Client
func (r *Remote) CreateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload) (model.Record, error) {
	key := entityKey(r.client.prefix, t, id)
	ts := r.now().UTC()
	value, err := encodeValue(payload, ts)
	if err != nil {
		return model.Record{}, err
	}

	resp, err := r.client.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return model.Record{}, classify("create", err)
	}
	if !resp.Succeeded {
		return model.Record{}, r.conflictFrom(t, id, resp)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Created entity in etcd")

	return remote.Entity{EntityType: t, EntityID: id, Payload: payload, Version: resp.Header.Revision, LastModified: ts}.Record(), nil
}

// UpdateEntity implements remote.Client. baseVersion is compared against
// the key's ModRevision.
func (r *Remote) UpdateEntity(ctx context.Context, t model.EntityType, id string, payload model.Payload, baseVersion int64) (model.Record, error) {
	key := entityKey(r.client.prefix, t, id)
	ts := r.now().UTC()
	value, err := encodeValue(payload, ts)
	if err != nil {
		return model.Record{}, err
	}

	cmp := clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
	if baseVersion > 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", baseVersion)
	}
	resp, err := r.client.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, value)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return model.Record{}, classify("update", err)
	}
	if !resp.Succeeded {
		return model.Record{}, r.conflictFrom(t, id, resp)
	}

	logrus.WithFields(logrus.Fields{
		"key":          key,
		"revision":     resp.Header.Revision,
		"base_version": baseVersion,
	}).Debug("Updated entity in etcd")

	return remote.Entity{EntityType: t, EntityID: id, Payload: payload, Version: resp.Header.Revision, LastModified: ts}.Record(), nil
}

// conflictFrom builds the error for a failed compare from the Else branch
// Get. A missing key is reported as not found.
func (r *Remote) conflictFrom(t model.EntityType, id string, resp *clientv3.TxnResponse) error {
	if len(resp.Responses) == 0 {
		return &model.NotFoundError{EntityType: t, EntityID: id}
	}
	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return &model.NotFoundError{EntityType: t, EntityID: id}
	}
	kv := rng.Kvs[0]
	e, err := decodeEntity(t, id, kv.Value, kv.ModRevision)
	if err != nil {
		return err
	}
	return &model.ConflictError{Remote: e.Record()}
}

// DeleteEntity implements remote.Client
func (r *Remote) DeleteEntity(ctx context.Context, t model.EntityType, id string) error {
	key := entityKey(r.client.prefix, t, id)
	resp, err := r.client.client.Delete(ctx, key)
	if err != nil {
		return classify("delete", err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
		"deleted":  resp.Deleted,
	}).Debug("Deleted entity from etcd")

	if resp.Deleted == 0 {
		return &model.NotFoundError{EntityType: t, EntityID: id}
	}
	return nil
}

// ListEntitiesSince implements remote.Client. etcd cannot index the stored
// lastModified, so the whole collection is read and filtered.
func (r *Remote) ListEntitiesSince(ctx context.Context, t model.EntityType, since time.Time) ([]model.Record, error) {
	prefix := typePrefix(r.client.prefix, t)
	resp, err := r.client.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, classify("list", err)
	}

	out := make([]model.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kt, id, ok := parseKey(r.client.prefix, string(kv.Key))
		if !ok || kt != t {
			continue
		}
		e, err := decodeEntity(t, id, kv.Value, kv.ModRevision)
		if err != nil {
			logrus.WithError(err).WithField("key", string(kv.Key)).Warn("Skipping undecodable etcd value")
			continue
		}
		if e.LastModified.After(since) {
			out = append(out, e.Record())
		}
	}

	logrus.WithFields(logrus.Fields{
		"prefix":          prefix,
		"count":           len(out),
		"header_revision": resp.Header.Revision,
	}).Debug("Listed entities from etcd")

	return out, nil
}

// Ping implements remote.Client
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.client.client.Get(ctx, "healthcheck")
	return classify("ping", err)
}
