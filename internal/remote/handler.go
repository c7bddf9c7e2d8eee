package remote

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/offsync/internal/model"
)

// Handler serves the REST protocol spoken by HTTPClient on top of any
// backend Client, typically the etcd store
func Handler(backend Client) http.Handler {
	h := &handler{backend: backend}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Route("/v1/{type}", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
	return r
}

type handler struct {
	backend Client
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Error("Failed to encode json response")
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) entityType(w http.ResponseWriter, r *http.Request) (model.EntityType, bool) {
	t, err := model.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return "", false
	}
	return t, true
}

func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := validate(t, req.Payload); err != nil {
		h.fail(w, err)
		return
	}
	rec, err := h.backend.CreateEntity(r.Context(), t, req.ID, req.Payload)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntityFrom(rec))
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	var base int64
	if v := strings.Trim(r.Header.Get("If-Match"), `"`); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid If-Match header"})
			return
		}
		base = n
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return
	}
	if err := validate(t, req.Payload); err != nil {
		h.fail(w, err)
		return
	}
	rec, err := h.backend.UpdateEntity(r.Context(), t, chi.URLParam(r, "id"), req.Payload, base)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntityFrom(rec))
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	if err := h.backend.DeleteEntity(r.Context(), t, chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	t, ok := h.entityType(w, r)
	if !ok {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid since parameter"})
			return
		}
		since = ts
	}
	recs, err := h.backend.ListEntitiesSince(r.Context(), t, since)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := listResponse{Items: make([]Entity, 0, len(recs))}
	for _, rec := range recs {
		resp.Items = append(resp.Items, EntityFrom(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func validate(t model.EntityType, p model.Payload) error {
	kind, err := model.KindOf(t)
	if err != nil {
		return err
	}
	return kind.Validate(p)
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	if ce, ok := model.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, EntityFrom(ce.Remote))
		return
	}
	switch {
	case model.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case model.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case model.IsNetwork(err):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		logrus.WithError(err).Error("Remote backend failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
