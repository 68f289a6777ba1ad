package handlers

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/snapload/internal/artifacts"
	"github.com/ternarybob/snapload/internal/models"
)

// FilesHandler handles GET /api/downloads/{id}/files
func (h *DownloadHandler) FilesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snap, ok := h.snapshotFromPath(w, r)
	if !ok {
		return
	}

	files := snap.ResultFiles
	if files == nil {
		files = []models.ResultFile{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": snap.ID,
		"status": snap.Status,
		"files":  files,
	})
}

// FileHandler handles GET /api/downloads/{id}/files/{name}. Only files listed
// on the job and located under the downloads root are served.
func (h *DownloadHandler) FileHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snap, ok := h.snapshotFromPath(w, r)
	if !ok {
		return
	}

	parts := PathSegments(r)
	if len(parts) != 5 {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	name := parts[4]

	var target *models.ResultFile
	for i := range snap.ResultFiles {
		if snap.ResultFiles[i].Name == name {
			target = &snap.ResultFiles[i]
			break
		}
	}
	if target == nil {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	if !h.servable(target.Path) {
		h.logger.Warn().Str("job_id", snap.ID).Str("path", target.Path).Msg("Refused to serve file outside downloads root")
		WriteError(w, http.StatusForbidden, "Access denied")
		return
	}

	f, err := os.Open(target.Path)
	if err != nil {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		WriteError(w, http.StatusNotFound, "file not found")
		return
	}

	w.Header().Set("Content-Disposition", contentDisposition(target.Name))
	http.ServeContent(w, r, target.Name, info.ModTime(), f)
}

// ArchiveHandler handles GET /api/downloads/{id}/archive. The zip is streamed
// straight into the response.
func (h *DownloadHandler) ArchiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snap, ok := h.snapshotFromPath(w, r)
	if !ok {
		return
	}

	var files []models.ResultFile
	for _, f := range snap.ResultFiles {
		if h.servable(f.Path) {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		WriteError(w, http.StatusNotFound, "no files for this job")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", contentDisposition(snap.ID+".zip"))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, f := range files {
		if err := addToArchive(zw, f); err != nil {
			// Headers are gone, the client sees a truncated zip
			h.logger.Error().Err(err).Str("job_id", snap.ID).Str("file", f.Name).Msg("Failed to stream archive")
			return
		}
	}
	if err := zw.Close(); err != nil {
		h.logger.Error().Err(err).Str("job_id", snap.ID).Msg("Failed to finish archive")
	}
}

func addToArchive(zw *zip.Writer, file models.ResultFile) error {
	src, err := os.Open(file.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}

	// Media is already compressed
	header := &zip.FileHeader{Name: file.Name, Method: zip.Store, Modified: info.ModTime()}
	dst, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func (h *DownloadHandler) snapshotFromPath(w http.ResponseWriter, r *http.Request) (*models.JobSnapshot, bool) {
	id, ok := jobIDFromPath(w, r)
	if !ok {
		return nil, false
	}
	snap, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return nil, false
	}
	return snap, true
}

// servable reports whether path is a regular location under the downloads root
func (h *DownloadHandler) servable(path string) bool {
	if h.downloadsRoot == "" || path == "" {
		return false
	}
	root, err := filepath.Abs(h.downloadsRoot)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return abs != root && artifacts.IsWithin(root, abs)
}

// contentDisposition builds an attachment header with an ASCII fallback name
// and an RFC 5987 UTF-8 name
func contentDisposition(name string) string {
	var ascii strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r > 0x7e || r == '"' || r == '\\':
			ascii.WriteByte('_')
		default:
			ascii.WriteRune(r)
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii.String(), encodeRFC5987(name))
}

func encodeRFC5987(s string) string {
	const attrChars = "!#$&+-.^_`|~"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') || strings.IndexByte(attrChars, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
