package api

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acebridge/acebridge/internal/database"
	"github.com/acebridge/acebridge/internal/database/models"
)

// recordingResponse is the JSON response for a single recording entry.
type recordingResponse struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	StartedAt string `json:"started_at"`
	Filename  string `json:"filename"`
	FileSize  *int64 `json:"file_size"`
}

// toRecordingResponse converts a models.Recording, filling in the file size
// from disk when the file is still present.
func toRecordingResponse(rec *models.Recording) recordingResponse {
	resp := recordingResponse{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		Address:   rec.Address,
		StartedAt: rec.StartedAt.Format(time.RFC3339),
		Filename:  filepath.Base(rec.File),
	}
	if info, err := os.Stat(rec.File); err == nil {
		size := info.Size()
		resp.FileSize = &size
	}
	return resp
}

// handleListRecordings returns recordings with pagination and filters.
// Query params: limit, offset, session_id, address, start_date, end_date.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	for _, f := range []string{"start_date", "end_date"} {
		if errMsg := validateDate(f, q.Get(f)); errMsg != "" {
			writeError(w, http.StatusBadRequest, errMsg)
			return
		}
	}

	filter := database.RecordingListFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		SessionID: q.Get("session_id"),
		Address:   q.Get("address"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}

	recs, total, err := s.recordings.List(r.Context(), filter)
	if err != nil {
		slog.Error("list recordings: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]recordingResponse, len(recs))
	for i := range recs {
		items[i] = toRecordingResponse(&recs[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// loadRecording fetches a recording by the {id} URL parameter, writing the
// error response itself when the recording cannot be served.
func (s *Server) loadRecording(w http.ResponseWriter, r *http.Request) *models.Recording {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording id")
		return nil
	}

	rec, err := s.recordings.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("get recording: failed to query", "error", err, "recording_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "recording not found")
		return nil
	}
	return rec
}

// handleGetRecording returns metadata for a single recording.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecording(w, r)
	if rec == nil {
		return
	}
	writeJSON(w, http.StatusOK, toRecordingResponse(rec))
}

// handleStreamRecording serves the recording media inline for in-browser
// playback. Supports HTTP range requests for seeking.
func (s *Server) handleStreamRecording(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecording(w, r)
	if rec == nil {
		return
	}

	f, err := os.Open(rec.File)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "recording file not found on disk")
			return
		}
		slog.Error("stream recording: failed to open file", "error", err, "path", rec.File)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	filename := filepath.Base(rec.File)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))

	// ServeContent handles Range requests for seeking support.
	http.ServeContent(w, r, filename, rec.StartedAt, f)
}

// handleDownloadRecording serves the recording file as an attachment download.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	rec := s.loadRecording(w, r)
	if rec == nil {
		return
	}

	if _, err := os.Stat(rec.File); os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "recording file not found on disk")
		return
	}

	filename := filepath.Base(rec.File)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, filename))
	w.Header().Set("Content-Type", contentType)
	http.ServeFile(w, r, rec.File)
}
