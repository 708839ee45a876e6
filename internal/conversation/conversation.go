// Package conversation defines the conversation document model, its
// durable store, and the summary projection used by list views.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleThinking holds the model's reasoning text, shown separately
	// from the visible reply.
	RoleThinking Role = "thinking"
)

// State is the last-known generation state of a conversation.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateError     State = "error"
)

// Status records the generation state together with when it changed.
// It is persisted on every transition and emitted to live observers.
type Status struct {
	State        State     `json:"state"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Message is one entry in a conversation. Insertion order is
// conversation order.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Document is the full conversation as stored, one per (user, id).
type Document struct {
	ID             uuid.UUID
	Title          string
	ParticipantIDs []string
	Status         *Status
	Messages       []Message
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastMessageAt  time.Time
}
