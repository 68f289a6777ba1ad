package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/common"
	"github.com/ternarybob/snapload/internal/models"
	"github.com/ternarybob/snapload/internal/services/jobs"
)

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

// CreateDownloadRequest is the body of POST /api/downloads
type CreateDownloadRequest struct {
	URL     string `json:"url" validate:"required,max=2048,url"`
	Kind    string `json:"kind" validate:"omitempty,oneof=audio video unspecified"`
	Quality string `json:"quality" validate:"omitempty,max=64"`
	Format  string `json:"format" validate:"omitempty,max=32,alphanum"`
}

// DownloadHandler serves the download job routes
type DownloadHandler struct {
	jobs          JobController
	index         AvailabilityChecker
	downloadsRoot string
	validate      *validator.Validate
	logger        arbor.ILogger
}

// NewDownloadHandler creates a new download handler. index may be nil, in
// which case every availability lookup is a miss. Result files are only
// served from under downloadsRoot.
func NewDownloadHandler(jobs JobController, index AvailabilityChecker, downloadsRoot string, logger arbor.ILogger) *DownloadHandler {
	return &DownloadHandler{
		jobs:          jobs,
		index:         index,
		downloadsRoot: downloadsRoot,
		validate:      validator.New(),
		logger:        logger,
	}
}

// CreateHandler handles POST /api/downloads
func (h *DownloadHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateDownloadRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)

	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	id, err := h.jobs.Create(r.Context(), jobs.CreateRequest{
		SourceReference: req.URL,
		Kind:            models.JobKind(req.Kind),
		Quality:         req.Quality,
		Format:          req.Format,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("url", req.URL).Msg("Failed to create download job")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(models.JobStatusQueued),
	})
}

// AvailabilityHandler handles GET /api/downloads/availability
func (h *DownloadHandler) AvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	url := strings.TrimSpace(q.Get("url"))
	if url == "" {
		WriteError(w, http.StatusBadRequest, "url is required")
		return
	}
	kind, err := models.ParseJobKind(q.Get("kind"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.index == nil {
		WriteJSON(w, http.StatusOK, &models.Availability{Status: models.AvailabilityMiss})
		return
	}

	avail, err := h.index.Lookup(r.Context(), url, kind, q.Get("quality"), q.Get("format"))
	if err != nil {
		h.logger.Error().Err(err).Str("url", url).Msg("Availability lookup failed")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, avail)
}

// GetHandler handles GET /api/downloads/{id}
func (h *DownloadHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	snap, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// CancelHandler handles POST /api/downloads/{id}/cancel
func (h *DownloadHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": "cancelling",
	})
}

// LogHandler handles GET /api/downloads/{id}/log?lines=N
func (h *DownloadHandler) LogHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return
	}

	snap, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	n := QueryInt(r, "lines", defaultLogLines, 1, maxLogLines)
	lines, err := artifacts.TailLines(snap.LogReference, n, artifacts.MaxTailBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteError(w, http.StatusNotFound, "log not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id).Msg("Failed to read job log")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": id,
		"status": snap.Status,
		"lines":  lines,
	})
}

// jobIDFromPath reads the id segment of /api/downloads/{id}[/...]
func jobIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	parts := PathSegments(r)
	if len(parts) < 3 || !common.IsJobID(parts[2]) {
		WriteError(w, http.StatusNotFound, "job not found")
		return "", false
	}
	return parts[2], true
}

// validationMessage flattens validator errors into one line
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
