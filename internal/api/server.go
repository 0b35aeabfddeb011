package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jinzhu/inflection"

	"riskmate-sync/internal/config"
	"riskmate-sync/internal/models"
	"riskmate-sync/internal/queue"
	"riskmate-sync/internal/ratelimit"
	"riskmate-sync/internal/reconcile"
	"riskmate-sync/internal/store"
	"riskmate-sync/internal/telemetry"
)

// Server wires HTTP handlers for the device-facing sync API.
type Server struct {
	cfg     config.Config
	loader  *reconcile.Loader
	queue   *queue.PendingQueue
	store   *store.Store
	limiter *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, loader *reconcile.Loader, q *queue.PendingQueue, st *store.Store, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		loader:  loader,
		queue:   q,
		store:   st,
		limiter: limiter,
	}
}

// Router builds the HTTP router. Collection segments are derived from
// the entity type tags: job -> /jobs, hazard -> /hazards, and so on.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	for _, entityType := range models.EntityTypes {
		coll := "/" + inflection.Plural(entityType)
		r.Get(coll+"/{id}", s.handleGet(entityType))
		r.Get(coll, s.handleList(entityType))
		r.Post(coll+"/{id}/edits", s.handleEdit(entityType))
		r.Post(coll, s.handleCreate(entityType))
	}

	r.Get("/audit", s.handleAudit)
	r.Get("/deadletter", s.handleDeadLetter)
	return r
}

// handleGet serves a reconciled entity read. The only error a device
// ever sees is a hard not-found, and it always carries a retry hint
// because the next attempt re-runs the full cascade from the live stage.
func (s *Server) handleGet(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entity, err := s.loader.LoadReconciled(r.Context(), entityType, id)
		if err != nil {
			if errors.Is(err, reconcile.ErrNotFound) {
				writeError(w, http.StatusNotFound, fmt.Sprintf("%s %s not found", entityType, id), true)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error(), true)
			return
		}
		writeJSON(w, http.StatusOK, entity)
	}
}

func (s *Server) handleList(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parent := r.URL.Query().Get("parent")
		items, err := s.loader.LoadReconciledList(r.Context(), entityType, parent)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), true)
			return
		}
		if items == nil {
			items = []models.Entity{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

type editRequest struct {
	Field     string     `json:"field"`
	NewValue  any        `json:"new_value"`
	Timestamp *time.Time `json:"timestamp"`
}

func (s *Server) handleEdit(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", false)
			return
		}
		if req.Field == "" {
			writeError(w, http.StatusBadRequest, "field is required", false)
			return
		}
		if !models.KnownField(entityType, req.Field) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown field %q for %s", req.Field, entityType), false)
			return
		}
		if !s.allow(w, r, 1) {
			return
		}

		ts := time.Now().UTC()
		if req.Timestamp != nil {
			ts = req.Timestamp.UTC()
		}
		m := models.PendingMutation{
			Seq:        uuid.New().String(),
			EntityType: entityType,
			EntityID:   chi.URLParam(r, "id"),
			Field:      req.Field,
			NewValue:   req.NewValue,
			Timestamp:  ts,
		}
		if err := s.queue.EnqueueUpdate(r.Context(), m); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed", true)
			return
		}
		writeJSON(w, http.StatusAccepted, m)
	}
}

type createRequest struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id"`
	Fields   map[string]any `json:"fields"`
}

func (s *Server) handleCreate(entityType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json", false)
			return
		}
		if entityType != models.TypeJob && req.ParentID == "" {
			writeError(w, http.StatusBadRequest, "parent_id is required", false)
			return
		}
		if !s.allow(w, r, 1) {
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if req.Fields == nil {
			req.Fields = map[string]any{}
		}

		c := models.PendingCreation{
			Seq:      uuid.New().String(),
			ParentID: req.ParentID,
			Entity: models.Entity{
				ID:       req.ID,
				Type:     entityType,
				ParentID: req.ParentID,
				Fields:   req.Fields,
			},
		}
		if err := s.queue.EnqueueCreation(r.Context(), c); err != nil {
			writeError(w, http.StatusInternalServerError, "enqueue failed", true)
			return
		}
		writeJSON(w, http.StatusAccepted, c)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.RecentAudit(r.Context(), r.URL.Query().Get("entity_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read audit feed", true)
		return
	}
	if items == nil {
		items = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDeadLetter returns queue entries that exhausted their flush attempts.
func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	raws, err := s.queue.DeadLetterPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dead letters", true)
		return
	}
	items := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		items = append(items, json.RawMessage(raw))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// allow enforces the per-device submission rate limit. Devices identify
// themselves with X-Device-ID; unidentified callers share one bucket.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, cost int) bool {
	if s.limiter == nil {
		return true
	}
	device := r.Header.Get("X-Device-ID")
	if device == "" {
		device = "anonymous"
	}
	allowed, wait, err := s.limiter.Allow(r.Context(), "rl:"+device, cost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rate limit error", true)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited", true)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string, retryable bool) {
	writeJSON(w, code, map[string]any{"error": msg, "retryable": retryable})
}
