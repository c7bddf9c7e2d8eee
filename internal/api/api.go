// Package api is the operator HTTP surface of the daemon: sync status,
// conflict decisions and parked operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/events"
	"github.com/cybertec-postgresql/offsync/internal/model"
	"github.com/cybertec-postgresql/offsync/internal/resolver"
	"github.com/cybertec-postgresql/offsync/internal/store"
	syncer "github.com/cybertec-postgresql/offsync/internal/sync"
)

// Engine is the part of offline.Engine served over HTTP
type Engine interface {
	SyncStatus(ctx context.Context) (syncer.Status, error)
	Read(ctx context.Context, t model.EntityType, id string) (model.Record, error)
	Query(ctx context.Context, t model.EntityType, pred store.Predicate) ([]model.Record, error)
	Conflicts(ctx context.Context, includeResolved bool) ([]model.Conflict, error)
	ResolveConflict(ctx context.Context, id string, choice resolver.Choice, custom model.Payload) (model.Conflict, error)
	Parked(ctx context.Context) ([]model.ParkedOperation, error)
	RetryParked(ctx context.Context, id string) error
	ForceSync(ctx context.Context) (events.Stats, error)
}

type errorResponse struct {
	Error string `json:"error"`
}

type resolveRequest struct {
	Choice string        `json:"choice"`
	Data   model.Payload `json:"data,omitempty"`
}

// Router builds the operator routes
func Router(e Engine) http.Handler {
	s := &server{engine: e}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.status)
	r.Post("/sync", s.sync)
	r.Get("/records/{type}", s.query)
	r.Get("/records/{type}/{id}", s.read)
	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", s.conflicts)
		r.Post("/{id}/resolve", s.resolve)
	})
	r.Route("/parked", func(r chi.Router) {
		r.Get("/", s.parked)
		r.Post("/{id}/retry", s.retry)
	})
	return r
}

// Server wraps the router in an http.Server
func Server(addr string, e Engine) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Router(e),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type server struct {
	engine Engine
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode json response")
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrAlreadyResolved), errors.Is(err, syncer.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, syncer.ErrOffline):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		logrus.WithError(err).Error("Operator request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.SyncStatus(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) sync(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.ForceSync(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func entityType(w http.ResponseWriter, r *http.Request) (model.EntityType, bool) {
	t, err := model.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return "", false
	}
	return t, true
}

func (s *server) query(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	var pred store.Predicate = store.All
	if v := r.URL.Query().Get("status"); v != "" {
		pred = store.StatusIs(model.SyncStatus(v))
	}
	recs, err := s.engine.Query(r.Context(), t, pred)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []model.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) read(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Read(r.Context(), t, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) conflicts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := s.engine.Conflicts(r.Context(), all)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []model.Conflict{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	choice, err := resolver.ParseChoice(req.Choice)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	cf, err := s.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), choice, req.Data)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cf)
}

func (s *server) parked(w http.ResponseWriter, r *http.Request) {
	ops, err := s.engine.Parked(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if ops == nil {
		ops = []model.ParkedOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *server) retry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryParked(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
