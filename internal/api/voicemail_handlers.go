package api

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/acebridge/acebridge/internal/database/models"
)

// voicemailResponse is the JSON response for a single voicemail message.
type voicemailResponse struct {
	MessageID  string `json:"message_id"`
	Mailbox    string `json:"mailbox"`
	Caller     string `json:"caller"`
	Duration   int    `json:"duration"`
	RecordedAt string `json:"recorded_at"`
	Heard      bool   `json:"heard"`
}

func toVoicemailResponse(m *models.VoicemailMessage) voicemailResponse {
	return voicemailResponse{
		MessageID:  m.MessageID,
		Mailbox:    m.Mailbox,
		Caller:     m.Caller,
		Duration:   m.Duration,
		RecordedAt: m.RecordedAt.Format(time.RFC3339),
		Heard:      m.Heard,
	}
}

// handleListVoicemail returns all messages for a mailbox, newest first,
// together with the unheard count.
func (s *Server) handleListVoicemail(w http.ResponseWriter, r *http.Request) {
	mailbox := chi.URLParam(r, "mailbox")
	if errMsg := validateExtension("mailbox", mailbox); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	msgs, err := s.voicemail.ListForMailbox(r.Context(), mailbox)
	if err != nil {
		slog.Error("list voicemail: failed to query", "error", err, "mailbox", mailbox)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	unheard, err := s.voicemail.CountUnheard(r.Context(), mailbox)
	if err != nil {
		slog.Error("list voicemail: failed to count unheard", "error", err, "mailbox", mailbox)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]voicemailResponse, len(msgs))
	for i := range msgs {
		items[i] = toVoicemailResponse(&msgs[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": items,
		"unheard":  unheard,
	})
}

// loadVoicemail fetches a message by the {mailbox}/{msgID} URL parameters,
// writing the error response itself when the message cannot be served. The
// mailbox must match to stop one mailbox addressing another's messages.
func (s *Server) loadVoicemail(w http.ResponseWriter, r *http.Request) *models.VoicemailMessage {
	mailbox := chi.URLParam(r, "mailbox")
	msgID := chi.URLParam(r, "msgID")

	msg, err := s.voicemail.GetByMessageID(r.Context(), msgID)
	if err != nil {
		slog.Error("get voicemail: failed to query", "error", err, "message_id", msgID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil
	}
	if msg == nil || msg.Mailbox != mailbox {
		writeError(w, http.StatusNotFound, "message not found")
		return nil
	}
	return msg
}

// handleVoicemailAudio serves the message media inline. Supports HTTP range
// requests for seeking.
func (s *Server) handleVoicemailAudio(w http.ResponseWriter, r *http.Request) {
	msg := s.loadVoicemail(w, r)
	if msg == nil {
		return
	}

	f, err := os.Open(msg.File)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "message file not found on disk")
			return
		}
		slog.Error("voicemail audio: failed to open file", "error", err, "path", msg.File)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	filename := filepath.Base(msg.File)
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filename))

	http.ServeContent(w, r, filename, msg.RecordedAt, f)
}

// handleMarkVoicemailRead flags a message as listened to.
func (s *Server) handleMarkVoicemailRead(w http.ResponseWriter, r *http.Request) {
	msg := s.loadVoicemail(w, r)
	if msg == nil {
		return
	}

	if err := s.voicemail.MarkHeard(r.Context(), msg.MessageID); err != nil {
		slog.Error("mark voicemail read: failed to update", "error", err, "message_id", msg.MessageID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	msg.Heard = true
	writeJSON(w, http.StatusOK, toVoicemailResponse(msg))
}

// handleDeleteVoicemail removes a message record and its media file.
func (s *Server) handleDeleteVoicemail(w http.ResponseWriter, r *http.Request) {
	msg := s.loadVoicemail(w, r)
	if msg == nil {
		return
	}

	if err := s.voicemail.Delete(r.Context(), msg.MessageID); err != nil {
		slog.Error("delete voicemail: failed to delete row", "error", err, "message_id", msg.MessageID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := os.Remove(msg.File); err != nil && !os.IsNotExist(err) {
		slog.Warn("delete voicemail: failed to remove file", "error", err, "path", msg.File)
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": msg.MessageID})
}
