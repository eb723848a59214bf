package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatserver/internal/middleware"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/service"
)

type ConversationHandler struct {
	convs *service.ConversationService
}

func NewConversationHandler(convs *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{convs: convs}
}

type CreateConversationRequest struct {
	Type           string   `json:"type" validate:"required,oneof=PRIVATE GROUP"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
	Name           string   `json:"name"`
	AvatarURL      string   `json:"avatar_url"`
	AdminIDs       []string `json:"admin_ids"`
}

type UpdateGroupRequest struct {
	Name      *string  `json:"name"`
	AvatarURL *string  `json:"avatar_url"`
	AdminIDs  []string `json:"admin_ids"`
}

type AddParticipantsRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required"`
}

// Create handles POST /api/conversations. For the PRIVATE type a repeated
// create returns the existing conversation, so the status is 200 either way.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !decodeValid(w, r, &req) {
		return
	}

	conv, err := h.convs.Create(r.Context(), middleware.GetUserID(r.Context()), service.CreateConversationInput{
		Type:           model.ConversationType(req.Type),
		ParticipantIDs: req.ParticipantIDs,
		Name:           req.Name,
		AvatarURL:      req.AvatarURL,
		AdminIDs:       req.AdminIDs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// List handles GET /api/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.convs.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// Get handles GET /api/conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.convs.Get(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateGroup handles PUT /api/conversations/{id}.
func (h *ConversationHandler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req UpdateGroupRequest
	if !decodeValid(w, r, &req) {
		return
	}

	conv, err := h.convs.UpdateGroup(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), service.UpdateGroupInput{
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
		AdminIDs:  req.AdminIDs,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// AddParticipants handles POST /api/conversations/{id}/participants.
func (h *ConversationHandler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	var req AddParticipantsRequest
	if !decodeValid(w, r, &req) {
		return
	}

	conv, err := h.convs.AddParticipants(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.UserIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// RemoveParticipant handles DELETE /api/conversations/{id}/participants/{userID}.
func (h *ConversationHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	conv, err := h.convs.RemoveParticipant(
		r.Context(),
		chi.URLParam(r, "id"),
		middleware.GetUserID(r.Context()),
		chi.URLParam(r, "userID"),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/conversations/{id}/read.
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.convs.MarkRead(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
