package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricebook-sync-service/internal/config"
	"pricebook-sync-service/internal/health"
	"pricebook-sync-service/internal/store"
	"pricebook-sync-service/internal/sync"
	"pricebook-sync-service/internal/syncerr"
)

type Handler struct {
	manager  *sync.Manager
	engine   *sync.Engine
	retry    *sync.RetryWorker
	analyzer *health.Analyzer
	cfg      config.ServerConfig
}

func NewHandler(cfg config.ServerConfig, manager *sync.Manager, retry *sync.RetryWorker, analyzer *health.Analyzer) *Handler {
	return &Handler{
		manager:  manager,
		engine:   manager.Engine(),
		retry:    retry,
		analyzer: analyzer,
		cfg:      cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)
	r.Use(Cors(h.cfg.CorsOrigins))

	r.Get("/healthz", h.Liveness)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))
		r.Use(WriteLimit(h.cfg.WriteRateLimit))

		r.Route("/sync", func(r chi.Router) {
			r.Get("/jobs", h.ListJobs)
			r.Get("/jobs/{id}", h.GetJob)
			r.Post("/{entityType}", h.TriggerSync)
		})

		// {ref} is an entity type for create and per-type actions, an id otherwise.
		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Post("/{ref}", h.CreateEntity)
			r.Get("/{ref}", h.GetEntity)
			r.Patch("/{ref}", h.UpdateEntity)
			r.Delete("/{ref}", h.DeleteEntity)
			r.Post("/{ref}/{id}/pull", h.PullOne)
			r.Post("/{ref}/{id}/push", h.PushOne)
			r.Get("/{ref}/overrides", h.ListOverrides)
			r.Put("/{ref}/overrides/{field}", h.SetOverride)
			r.Delete("/{ref}/overrides/{field}", h.ClearOverride)
			r.Put("/{ref}/visibility", h.SetVisibility)
		})

		r.Route("/pending", func(r chi.Router) {
			r.Get("/", h.ListPending)
			r.Get("/counts", h.PendingCounts)
			r.Post("/retry", h.RetryPending)
			r.Post("/{id}/reset", h.ResetAttempts)
		})

		r.Get("/health", h.GetHealth)
		r.Get("/ratelimit", h.RateLimitStatus)
		r.Delete("/ratelimit", h.ResetRateLimit)
	})

	return r
}

func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- sync jobs ----

type triggerRequest struct {
	Scope string `json:"scope" validate:"required,oneof=full incremental"`
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := h.manager.TriggerSync(r.Context(), store.EntityType(chi.URLParam(r, "entityType")), store.JobScope(req.Scope))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID, "status": string(job.Status)})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.manager.ListJobs(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ---- entities ----

type createRequest struct {
	Fields   map[string]any `json:"fields" validate:"required,min=1"`
	ParentID *string        `json:"parentId"`
}

type updateRequest struct {
	Fields  map[string]any `json:"fields" validate:"required,min=1"`
	Version int64          `json:"version" validate:"gte=0"`
}

type overrideRequest struct {
	Value any    `json:"value"`
	SetBy string `json:"setBy" validate:"max=200"`
}

type visibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
	Cascade bool  `json:"cascade"`
}

func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	recs, err := h.engine.List(r.Context(), store.MasterFilter{
		EntityType:     store.EntityType(r.URL.Query().Get("type")),
		IncludeDeleted: queryBool(r, "includeDeleted"),
		Limit:          queryInt(r, "limit", 100),
		Offset:         queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": recs})
}

func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.CreateLocal(r.Context(), store.EntityType(chi.URLParam(r, "ref")), req.Fields, req.ParentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.engine.UpdateFields(r.Context(), chi.URLParam(r, "ref"), req.Fields, req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "ref")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PullOne(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.PullOne(r.Context(), store.EntityType(chi.URLParam(r, "ref")), chi.URLParam(r, "id"), queryBool(r, "force"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) PushOne(w http.ResponseWriter, r *http.Request) {
	entityType := store.EntityType(chi.URLParam(r, "ref"))
	id := chi.URLParam(r, "id")
	rec, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec.EntityType != entityType {
		writeError(w, r, syncerr.NotFound("push", errors.New("no "+string(entityType)+" with id "+id)))
		return
	}

	rec, err = h.engine.PushDirect(r.Context(), id)
	if errors.Is(err, syncerr.ErrStillProcessing) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing", "message": err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.ListOverrides(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": entries})
}

func (h *Handler) SetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		writeError(w, r, syncerr.Validation("set override", errors.New("value is required")))
		return
	}
	setBy := req.SetBy
	if setBy == "" {
		setBy = r.Header.Get("X-User")
	}
	if setBy == "" {
		setBy = "api"
	}
	rec, err := h.engine.SetOverride(r.Context(), chi.URLParam(r, "ref"), chi.URLParam(r, "field"), req.Value, setBy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ClearOverride(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.ClearOverride(r.Context(), chi.URLParam(r, "ref"), chi.URLParam(r, "field"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := h.engine.SetVisibility(r.Context(), chi.URLParam(r, "ref"), *req.Visible, req.Cascade)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visible": *req.Visible, "affected": ids})
}

// ---- pending queue ----

type retryRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.engine.Queue().List(r.Context(), store.PendingFilter{
		Status:     store.PendingStatus(q.Get("status")),
		EntityType: store.EntityType(q.Get("entityType")),
		Action:     store.SyncAction(q.Get("action")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) PendingCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.Queue().Counts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) RetryPending(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.retry.RetryPending(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ResetAttempts(w http.ResponseWriter, r *http.Request) {
	entry, err := h.engine.Queue().ResetAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ---- health & rate limit ----

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if queryBool(r, "refresh") {
		h.analyzer.Invalidate(r.Context())
	}
	report, err := h.analyzer.Report(r.Context(), store.EntityType(r.URL.Query().Get("entityType")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type rateLimitStatus struct {
	Limited          bool       `json:"limited"`
	RemainingSeconds int        `json:"remainingSeconds"`
	CooldownUntil    *time.Time `json:"cooldownUntil,omitempty"`
}

func (h *Handler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	g := h.engine.Guard()
	st := rateLimitStatus{Limited: g.IsLimited(), RemainingSeconds: g.RemainingSeconds()}
	if st.Limited {
		until := g.CooldownUntil()
		st.CooldownUntil = &until
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	h.engine.Guard().Reset()
	w.WriteHeader(http.StatusNoContent)
}
