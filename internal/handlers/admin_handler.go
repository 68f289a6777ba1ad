package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/models"
	"golang.org/x/time/rate"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

// TriggerCleanupRequest is the body of POST /api/admin/cleanup
type TriggerCleanupRequest struct {
	Targets []string `json:"targets" validate:"omitempty,max=6,dive,oneof=downloads logs metadata temp database all"`
	DryRun  bool     `json:"dry_run"`
}

// AdminHandler serves the retention admin routes
type AdminHandler struct {
	cleanup  CleanupAdmin
	reporter StorageReporter
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewAdminHandler creates a new admin handler. triggerInterval is the
// minimum gap between manual cleanup triggers; zero disables the limit.
func NewAdminHandler(cleanup CleanupAdmin, reporter StorageReporter, triggerInterval time.Duration, logger arbor.ILogger) *AdminHandler {
	limit := rate.Inf
	if triggerInterval > 0 {
		limit = rate.Every(triggerInterval)
	}
	return &AdminHandler{
		cleanup:  cleanup,
		reporter: reporter,
		limiter:  rate.NewLimiter(limit, 1),
		validate: validator.New(),
		logger:   logger,
	}
}

// TriggerCleanupHandler handles POST /api/admin/cleanup. The run completes
// even if the client disconnects.
func (h *AdminHandler) TriggerCleanupHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req TriggerCleanupRequest
	if err := DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusTooManyRequests, "Cleanup was triggered too recently")
		return
	}

	targets := make([]models.CleanupTarget, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, models.CleanupTarget(t))
	}

	h.logger.Info().Strs("targets", req.Targets).Bool("dry_run", req.DryRun).Msg("Admin cleanup requested")

	run, err := h.cleanup.Trigger(context.WithoutCancel(r.Context()), targets, req.DryRun)
	if err != nil && run == nil {
		WriteServiceError(w, err)
		return
	}

	// Partial failures still report the run; errors are listed in the record
	WriteJSON(w, http.StatusOK, run)
}

// StorageStatsHandler handles GET /api/admin/storage
func (h *AdminHandler) StorageStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.reporter.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to collect storage stats")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ScheduleHandler handles GET /api/admin/cleanup/schedule
func (h *AdminHandler) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.cleanup.Schedule())
}

// ConfigHandler handles GET /api/admin/cleanup/config
func (h *AdminHandler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.reporter.Config())
}

// RunsHandler handles GET /api/admin/cleanup/runs?limit=N
func (h *AdminHandler) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := QueryInt(r, "limit", defaultRunsLimit, 1, maxRunsLimit)
	runs, err := h.reporter.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list cleanup runs")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}
