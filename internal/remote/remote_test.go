package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

func newTestServer(t *testing.T) (*Memory, *HTTPClient) {
	t.Helper()
	mem := NewMemory()
	srv := httptest.NewServer(Handler(mem))
	t.Cleanup(srv.Close)
	return mem, NewHTTPClient(srv.URL, 2*time.Second)
}

func TestHTTPClientRoundTrip(t *testing.T) {
	mem, client := newTestServer(t)
	ctx := context.Background()

	created, err := client.CreateEntity(ctx, model.EntityAlert, "a1", model.Payload{"severity": 5.0, "status": "active"})
	require.NoError(t, err)
	assert.Equal(t, "a1", created.EntityID)
	assert.Equal(t, model.EntityAlert, created.EntityType)
	assert.Greater(t, created.RemoteVersion, int64(0))
	assert.Equal(t, model.StatusSynced, created.SyncStatus)

	updated, err := client.UpdateEntity(ctx, model.EntityAlert, "a1", model.Payload{"severity": 7.0}, created.RemoteVersion)
	require.NoError(t, err)
	assert.Greater(t, updated.RemoteVersion, created.RemoteVersion)
	assert.Equal(t, 7.0, updated.Payload["severity"])

	stored, ok := mem.Lookup(model.EntityAlert, "a1")
	require.True(t, ok)
	assert.Equal(t, updated.RemoteVersion, stored.Version)

	list, err := client.ListEntitiesSince(ctx, model.EntityAlert, time.Time{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].EntityID)

	require.NoError(t, client.DeleteEntity(ctx, model.EntityAlert, "a1"))
	_, ok = mem.Lookup(model.EntityAlert, "a1")
	assert.False(t, ok)

	require.NoError(t, client.Ping(ctx))
}

func TestHTTPClientStaleUpdateReturnsServerRecord(t *testing.T) {
	mem, client := newTestServer(t)
	ctx := context.Background()

	first := mem.Seed(Entity{EntityType: model.EntityAlert, EntityID: "a1", Payload: model.Payload{"severity": 8.0}})
	_, err := client.UpdateEntity(ctx, model.EntityAlert, "a1", model.Payload{"severity": 2.0}, first.Version+100)

	ce, ok := model.AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, "a1", ce.Remote.EntityID)
	assert.Equal(t, first.Version, ce.Remote.RemoteVersion)
	assert.Equal(t, 8.0, ce.Remote.Payload["severity"])
}

func TestHTTPClientDuplicateCreateConflicts(t *testing.T) {
	mem, client := newTestServer(t)
	mem.Seed(Entity{EntityType: model.EntityAlert, EntityID: "a1", Payload: model.Payload{"status": "resolved"}})

	_, err := client.CreateEntity(context.Background(), model.EntityAlert, "a1", model.Payload{"status": "active"})
	ce, ok := model.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "resolved", ce.Remote.Payload["status"])
}

func TestHTTPClientErrorMapping(t *testing.T) {
	mem, client := newTestServer(t)
	ctx := context.Background()

	_, err := client.UpdateEntity(ctx, model.EntityAlert, "missing", model.Payload{"severity": 1.0}, 0)
	assert.True(t, model.IsNotFound(err))

	err = client.DeleteEntity(ctx, model.EntityAlert, "missing")
	assert.True(t, model.IsNotFound(err))

	_, err = client.CreateEntity(ctx, model.EntityAlert, "bad", model.Payload{"severity": 42.0})
	assert.True(t, model.IsValidation(err), "got %v", err)

	mem.FailWith(&model.NetworkError{Op: "backend", Err: errors.New("etcd down")})
	_, err = client.ListEntitiesSince(ctx, model.EntityAlert, time.Time{})
	assert.True(t, model.IsNetwork(err), "got %v", err)
	assert.True(t, model.IsNetwork(client.Ping(ctx)))
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"server error", http.StatusBadGateway, model.IsNetwork},
		{"rate limited", http.StatusTooManyRequests, model.IsNetwork},
		{"request timeout", http.StatusRequestTimeout, model.IsNetwork},
		{"bad request", http.StatusBadRequest, model.IsValidation},
		{"not found", http.StatusNotFound, model.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewHTTPClient(srv.URL, time.Second)
			_, err := client.CreateEntity(context.Background(), model.EntityAlert, "a1", model.Payload{"severity": 1.0})
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected classification: %v", err)
		})
	}
}

func TestHTTPClientConflictWithoutBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, time.Second).UpdateEntity(context.Background(), model.EntityAlert, "a1", model.Payload{"x": 1.0}, 3)
	assert.True(t, model.IsNetwork(err))
}

func TestHTTPClientTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClient(srv.URL, 50*time.Millisecond)
	_, err := client.ListEntitiesSince(context.Background(), model.EntityAlert, time.Time{})
	assert.True(t, model.IsNetwork(err), "got %v", err)
}

func TestHTTPClientSendsIfMatchAndSince(t *testing.T) {
	var ifMatch, since string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			ifMatch = r.Header.Get("If-Match")
			writeJSON(w, http.StatusOK, Entity{EntityID: "a1", Version: 8})
		case http.MethodGet:
			since = r.URL.Query().Get("since")
			writeJSON(w, http.StatusOK, listResponse{})
		}
	}))
	defer srv.Close()
	client := NewHTTPClient(srv.URL, time.Second)

	rec, err := client.UpdateEntity(context.Background(), model.EntityAlert, "a1", model.Payload{"x": 1.0}, 7)
	require.NoError(t, err)
	assert.Equal(t, "7", ifMatch)
	assert.Equal(t, model.EntityAlert, rec.EntityType)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)
	_, err = client.ListEntitiesSince(context.Background(), model.EntityAlert, ts)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T12:00:00.0000005Z", since)
}

func TestMemoryListSince(t *testing.T) {
	mem := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mem.Seed(Entity{EntityType: model.EntityAlert, EntityID: "b", Payload: model.Payload{"x": 1.0}, LastModified: base.Add(2 * time.Second)})
	mem.Seed(Entity{EntityType: model.EntityAlert, EntityID: "a", Payload: model.Payload{"x": 1.0}, LastModified: base.Add(time.Second)})
	mem.Seed(Entity{EntityType: model.EntityAlert, EntityID: "c", Payload: model.Payload{"x": 1.0}, LastModified: base})
	mem.Seed(Entity{EntityType: model.EntityUserPreference, EntityID: "p", Payload: model.Payload{"userId": "u"}, LastModified: base.Add(time.Hour)})

	recs, err := mem.ListEntitiesSince(context.Background(), model.EntityAlert, base)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].EntityID)
	assert.Equal(t, "b", recs[1].EntityID)
}

func TestHandlerRejectsUnknownType(t *testing.T) {
	srv := httptest.NewServer(Handler(NewMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/widgets")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
