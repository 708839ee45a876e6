package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/chat"
	"github.com/quillchat/quill/internal/conversation"
	"github.com/quillchat/quill/internal/stream"
)

// Request limits for the stream endpoint.
const (
	maxRequestBytes = 1 << 20 // 1MB
	maxMessages     = 100
	maxMessageRunes = 32 * 1024
)

// SSE event types for chat streaming.
const (
	EventStatus   = "status"   // Conversation status transition
	EventThinking = "thinking" // Reasoning fragment
	EventDelta    = "delta"    // Visible reply fragment
	EventDone     = "done"     // Stream completed successfully
	EventError    = "error"    // Generation failed mid-stream
)

// Streamer runs one chat turn, forwarding frames to send.
type Streamer interface {
	Stream(ctx context.Context, req chat.Request, send chat.SendFunc) (uuid.UUID, error)
}

// streamInput is the request body for POST /api/v1/chat/stream.
type streamInput struct {
	Messages       []inputMessage `json:"messages"`
	ConversationID string         `json:"conversationId"`
}

type inputMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// statusPayload is the SSE data payload for status events. The
// conversation id rides along so clients learn the id of a freshly
// started conversation from the very first event.
type statusPayload struct {
	ConversationID string    `json:"conversationId"`
	State          string    `json:"state"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

// textPayload is the SSE data payload for thinking and delta events.
type textPayload struct {
	Text string `json:"text"`
}

// donePayload is the SSE data payload for the terminal done event.
type donePayload struct {
	ConversationID string `json:"conversationId"`
}

// errorPayload is the SSE data payload when generation fails.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// chatHandler serves the streaming chat endpoint.
type chatHandler struct {
	streamer Streamer
	logger   *slog.Logger
}

// streamChat handles POST /api/v1/chat/stream. Validation failures are
// rejected with plain HTTP errors before the SSE stream opens; once
// streaming, failures surface as error events.
func (h *chatHandler) streamChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok || userID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthenticated", "user identity required", h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	var input streamInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	req, errCode, errMsg := buildRequest(userID, input)
	if errCode != "" {
		WriteError(w, http.StatusBadRequest, errCode, errMsg, h.logger)
		return
	}
	if req.ConversationID == uuid.Nil {
		// Resolve the id here so every event can carry it.
		req.ConversationID = uuid.New()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := req.ConversationID
	send := func(f stream.Frame) error {
		switch f.Type {
		case stream.FrameStatus:
			return writeEvent(w, flusher, EventStatus, statusPayload{
				ConversationID: id.String(),
				State:          string(f.Status.State),
				UpdatedAt:      f.Status.UpdatedAt,
				ErrorMessage:   f.Status.ErrorMessage,
			})
		case stream.FrameThinking:
			return writeEvent(w, flusher, EventThinking, textPayload{Text: f.Text})
		case stream.FrameDelta:
			return writeEvent(w, flusher, EventDelta, textPayload{Text: f.Text})
		case stream.FrameDone:
			return writeEvent(w, flusher, EventDone, donePayload{ConversationID: id.String()})
		default:
			return nil
		}
	}

	if _, err := h.streamer.Stream(r.Context(), req, send); err != nil {
		if errors.Is(err, chat.ErrGeneration) {
			// The error status event has already been sent; this final
			// event is the transport-level failure marker.
			_ = writeEvent(w, flusher, EventError, errorPayload{
				Code:    "internal",
				Message: "generation failed",
			})
			return
		}
		h.logger.Error("stream turn failed", "conversation_id", id, "error", err)
	}
}

// buildRequest validates the input shape and converts it to a
// controller request. A non-empty code means rejection.
func buildRequest(userID string, input streamInput) (req chat.Request, code, msg string) {
	if len(input.Messages) == 0 {
		return req, "messages_required", "at least one message is required"
	}
	if len(input.Messages) > maxMessages {
		return req, "too_many_messages", fmt.Sprintf("at most %d messages per turn", maxMessages)
	}

	messages := make([]conversation.Message, len(input.Messages))
	for i, m := range input.Messages {
		role := conversation.Role(m.Role)
		if role != conversation.RoleUser && role != conversation.RoleAssistant {
			return req, "invalid_role", fmt.Sprintf("message %d: role must be user or assistant", i)
		}
		if m.Text == "" {
			return req, "empty_message", fmt.Sprintf("message %d: text must not be empty", i)
		}
		if len([]rune(m.Text)) > maxMessageRunes {
			return req, "message_too_long", fmt.Sprintf("message %d exceeds %d characters", i, maxMessageRunes)
		}
		messages[i] = conversation.Message{Role: role, Text: m.Text}
	}

	var id uuid.UUID
	if input.ConversationID != "" {
		var err error
		id, err = uuid.Parse(input.ConversationID)
		if err != nil {
			return req, "invalid_conversation_id", "conversationId must be a UUID"
		}
	}

	return chat.Request{UserID: userID, ConversationID: id, Messages: messages}, "", ""
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
