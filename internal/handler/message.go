package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/service"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

type MessageHandler struct {
	msgs *service.MessageService
}

func NewMessageHandler(msgs *service.MessageService) *MessageHandler {
	return &MessageHandler{msgs: msgs}
}

type messageFileRequest struct {
	URL          string `json:"url" validate:"required"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	ThumbnailURL string `json:"thumbnail_url"`
}

type meetingRequest struct {
	Provider      string     `json:"provider"`
	MeetingID     string     `json:"meeting_id"`
	MeetingLink   string     `json:"meeting_link" validate:"required"`
	RecordingLink string     `json:"recording_link"`
	ScheduledAt   *time.Time `json:"scheduled_at"`
}

type SendMessageRequest struct {
	Type      string               `json:"type" validate:"omitempty,oneof=TEXT FILE TEXT_WITH_FILE SYSTEM MEETING"`
	Text      string               `json:"text"`
	Files     []messageFileRequest `json:"files" validate:"omitempty,dive"`
	Meeting   *meetingRequest      `json:"meeting"`
	ReplyToID *string              `json:"reply_to_id"`
}

type EditMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

// Send handles POST /api/conversations/{id}/messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeValid(w, r, &req) {
		return
	}

	in := service.SendMessageInput{
		ConversationID: chi.URLParam(r, "id"),
		Type:           model.MessageType(req.Type),
		Text:           req.Text,
		ReplyToID:      req.ReplyToID,
	}
	for _, f := range req.Files {
		in.Files = append(in.Files, model.MessageFile{
			URL:          f.URL,
			FileName:     f.FileName,
			FileSize:     f.FileSize,
			MimeType:     f.MimeType,
			ThumbnailURL: f.ThumbnailURL,
		})
	}
	if req.Meeting != nil {
		in.Meeting = &model.Meeting{
			Provider:      req.Meeting.Provider,
			MeetingID:     req.Meeting.MeetingID,
			MeetingLink:   req.Meeting.MeetingLink,
			RecordingLink: req.Meeting.RecordingLink,
			ScheduledAt:   req.Meeting.ScheduledAt,
		}
	}

	msg, err := h.msgs.Send(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// List handles GET /api/conversations/{id}/messages?limit=&offset=.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPageSize)
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	msgs, err := h.msgs.List(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Get handles GET /api/messages/{id}.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msg, err := h.msgs.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Edit handles PUT /api/messages/{id}.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if !decodeValid(w, r, &req) {
		return
	}

	msg, err := h.msgs.Edit(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Delete handles DELETE /api/messages/{id}.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.msgs.Delete(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkDelivered handles POST /api/messages/{id}/delivered.
func (h *MessageHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	if err := h.msgs.MarkDelivered(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkSeen handles POST /api/messages/{id}/seen.
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	if err := h.msgs.MarkSeen(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
