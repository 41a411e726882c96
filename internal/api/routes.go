package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"commerce-sync-service/internal/connector"
	"commerce-sync-service/internal/store"
	"commerce-sync-service/internal/sync"
)

type Handler struct {
	syncManager *sync.Manager
}

func NewHandler(manager *sync.Manager) *Handler {
	return &Handler{
		syncManager: manager,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware) // Placeholder for auth

		r.Post("/sync/jobs", h.ScheduleJob)
		r.Post("/sync/jobs/{jobID}/trigger", h.TriggerJob)
		r.Delete("/sync/jobs/{jobID}", h.CancelJob)
		r.Get("/sync/runs/{runID}/status", h.RunStatus)
		r.Get("/sync/history", h.History)
		r.Post("/sync/{platform}", h.SyncPlatform)
		r.Post("/sync/validate", h.ValidateData)
		r.Post("/sync/transform", h.TransformData)
		r.Post("/sync/conflicts/resolve", h.ResolveConflicts)
		r.Post("/sync/rollback", h.Rollback)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) ScheduleJob(w http.ResponseWriter, r *http.Request) {
	var def sync.JobDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.syncManager.ScheduleSyncJob(r.Context(), def)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	run, queued, err := h.syncManager.TriggerSyncJob(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if queued {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if !h.syncManager.CancelSyncJob(r.Context(), jobID) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *Handler) RunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	status, err := h.syncManager.GetSyncStatus(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	filter := store.HistoryFilter{
		StoreID: r.URL.Query().Get("store_id"),
		JobID:   r.URL.Query().Get("job_id"),
	}

	history, err := h.syncManager.GetSyncHistory(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) SyncPlatform(w http.ResponseWriter, r *http.Request) {
	platform := store.Platform(chi.URLParam(r, "platform"))

	var params sync.ConnectionParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.syncManager.SyncPlatformData(r.Context(), platform, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) ValidateData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records []map[string]any `json:"records"`
		Schema  sync.Schema      `json:"schema"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result := h.syncManager.ValidateSyncData(rawRecords(req.Records), req.Schema)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TransformData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Records []map[string]any     `json:"records"`
		Config  sync.TransformConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	records := h.syncManager.TransformData(rawRecords(req.Records), req.Config)
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) ResolveConflicts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Conflicts []sync.Conflict        `json:"conflicts"`
		Strategy  store.ResolutionPolicy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.syncManager.ResolveSyncConflict(req.Conflicts, sync.StrategyFromPolicy(req.Strategy))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) Rollback(w http.ResponseWriter, r *http.Request) {
	var params sync.RollbackParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.syncManager.RollbackSync(r.Context(), params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func rawRecords(records []map[string]any) []connector.RawRecord {
	out := make([]connector.RawRecord, 0, len(records))
	now := time.Now().UTC()
	for _, fields := range records {
		out = append(out, connector.RawRecord{Fields: fields, FetchedAt: now})
	}
	return out
}

// Middleware placeholders
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// TODO: check the configured auth token once the dashboard sends it
		next.ServeHTTP(w, r)
	})
}
