// Package api exposes the ETL scheduler over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

// ETLController is the scheduler surface the API needs.
type ETLController interface {
	LastResult() model.ETLResult
	NextRun() time.Time
	RunNow() bool
}

// Handler is the container for API dependencies.
type Handler struct {
	sched  ETLController
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(sched ETLController, logger *slog.Logger) http.Handler {
	h := &Handler{
		sched:  sched,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1/etl", func(r chi.Router) {
		r.Get("/last_result", h.lastResult)
		r.Get("/next_run", h.nextRun)
		r.Post("/run", h.enqueueRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type lastResultResponse struct {
	TimeComplete *time.Time `json:"time_complete"`
	Error        *string    `json:"error"`
}

// lastResult reports the outcome of the most recent ETL run. A failed run is
// reported with a 500 status so dashboards can alert on it directly.
// GET /v1/etl/last_result
func (h *Handler) lastResult(w http.ResponseWriter, r *http.Request) {
	res := h.sched.LastResult()
	body := lastResultResponse{TimeComplete: res.TimeComplete}
	status := http.StatusOK
	if res.Error != "" {
		body.Error = &res.Error
		status = http.StatusInternalServerError
	}
	respondWithJSON(w, status, body)
}

// nextRun reports the next scheduled run time.
// GET /v1/etl/next_run
func (h *Handler) nextRun(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]time.Time{"next_run": h.sched.NextRun()})
}

// enqueueRun starts an ETL run if one is not already in flight.
// POST /v1/etl/run
func (h *Handler) enqueueRun(w http.ResponseWriter, r *http.Request) {
	if !h.sched.RunNow() {
		respondWithError(w, http.StatusConflict, "An ETL run is already in progress")
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "run enqueued"})
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
