package server

import (
	"net/http"
	"strings"
)

const downloadsPrefix = "/api/downloads/"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job activity stream
	mux.HandleFunc(jobStreamPath, s.app.WSHandler.HandleWebSocket)

	// API routes - Downloads
	mux.HandleFunc("/api/downloads", s.app.DownloadHandler.CreateHandler)                   // POST
	mux.HandleFunc("/api/downloads/availability", s.app.DownloadHandler.AvailabilityHandler) // GET ?url=&kind=&quality=&format=
	mux.HandleFunc(downloadsPrefix, s.handleDownloadRoutes)                                  // /{id}, /{id}/cancel, /{id}/log, /{id}/files[/{name}], /{id}/archive

	// API routes - Admin (opt-in)
	if s.app.Config.Cleanup.AdminEnabled {
		mux.HandleFunc("/api/admin/cleanup", s.app.AdminHandler.TriggerCleanupHandler)    // POST
		mux.HandleFunc("/api/admin/cleanup/schedule", s.app.AdminHandler.ScheduleHandler) // GET
		mux.HandleFunc("/api/admin/cleanup/config", s.app.AdminHandler.ConfigHandler)     // GET
		mux.HandleFunc("/api/admin/cleanup/runs", s.app.AdminHandler.RunsHandler)         // GET ?limit=
		mux.HandleFunc("/api/admin/storage", s.app.AdminHandler.StorageStatsHandler)      // GET
	}

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleDownloadRoutes routes /api/downloads/{id} and its subpaths
func (s *Server) handleDownloadRoutes(w http.ResponseWriter, r *http.Request) {
	// /{id}/files/{name} first, a file may be named like any other suffix
	rest := strings.Split(strings.Trim(r.URL.Path[len(downloadsPrefix):], "/"), "/")
	if len(rest) == 3 && rest[1] == "files" {
		s.app.DownloadHandler.FileHandler(w, r)
		return
	}

	if RouteByPathSuffix(w, r, downloadsPrefix, []PathSuffixRouter{
		{Suffix: "/cancel", Handler: s.app.DownloadHandler.CancelHandler},
		{Suffix: "/log", Handler: s.app.DownloadHandler.LogHandler},
		{Suffix: "/files", Handler: s.app.DownloadHandler.FilesHandler},
		{Suffix: "/archive", Handler: s.app.DownloadHandler.ArchiveHandler},
	}) {
		return
	}

	// Only the bare /{id} remains
	if strings.Contains(strings.Trim(r.URL.Path[len(downloadsPrefix):], "/"), "/") {
		s.app.APIHandler.NotFoundHandler(w, r)
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.DownloadHandler.GetHandler,
	})
}
