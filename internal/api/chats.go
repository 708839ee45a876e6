package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/conversation"
)

const (
	chatsDefaultLimit = 50
	chatsMaxLimit     = 100
)

// ConversationStore is the subset of the conversation store the list
// and fetch handlers need.
type ConversationStore interface {
	Get(ctx context.Context, userID string, id uuid.UUID) (*conversation.Document, error)
	List(ctx context.Context, userID string, limit int) ([]*conversation.Document, error)
}

// chatsHandler serves conversation list and fetch endpoints.
type chatsHandler struct {
	store  ConversationStore
	logger *slog.Logger
}

// listChats handles GET /api/v1/chats. Returns conversation summaries
// ordered by last activity, newest first.
func (h *chatsHandler) listChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok || userID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthenticated", "user identity required", h.logger)
		return
	}

	limit := min(parseIntParam(r, "limit", chatsDefaultLimit), chatsMaxLimit)
	if limit == 0 {
		limit = chatsDefaultLimit
	}

	docs, err := h.store.List(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("listing conversations", "error", err, "user_id", userID)
		WriteError(w, http.StatusInternalServerError, "list_failed", "failed to list conversations", h.logger)
		return
	}

	items := make([]conversation.Summary, len(docs))
	for i, doc := range docs {
		items[i] = conversation.Summarize(doc)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"items": items}, h.logger)
}

// conversationResponse is the JSON shape of a full conversation.
type conversationResponse struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	ParticipantIDs []string               `json:"participantIds"`
	Status         *conversation.Status   `json:"status,omitempty"`
	Messages       []conversation.Message `json:"messages"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	LastMessageAt  time.Time              `json:"lastMessageAt"`
}

// getChat handles GET /api/v1/chats/{id}. Returns the full document,
// letting a client recover the complete text after a dropped stream.
func (h *chatsHandler) getChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok || userID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthenticated", "user identity required", h.logger)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "invalid conversation ID", h.logger)
		return
	}

	doc, err := h.store.Get(r.Context(), userID, id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)
			return
		}
		h.logger.Error("getting conversation", "error", err, "conversation_id", id)
		WriteError(w, http.StatusInternalServerError, "get_failed", "failed to get conversation", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, conversationResponse{
		ID:             doc.ID.String(),
		Title:          doc.Title,
		ParticipantIDs: doc.ParticipantIDs,
		Status:         doc.Status,
		Messages:       doc.Messages,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		LastMessageAt:  doc.LastMessageAt,
	}, h.logger)
}
