package bus

import "github.com/chatserver/internal/model"

// Rooms are plain names: one personal room per connected user and one room
// per conversation. Clients join conversation rooms lazily; membership there
// is not access control, the service layer authorizes every operation.

// UserRoom returns the personal room name for a user id.
func UserRoom(userID string) string { return "user_" + userID }

// ConversationRoom returns the room name for a conversation id.
func ConversationRoom(conversationID string) string { return "conversation_" + conversationID }

type EventType string

const (
	EventAddedToGroup     EventType = "added_to_group"
	EventRemovedFromGroup EventType = "removed_from_group"
	EventConversationRead EventType = "conversation_read"
	EventNewMessage       EventType = "new_message"
	EventMessageEdited    EventType = "message_edited"
	EventMessageDeleted   EventType = "message_deleted"
	EventMessageSeen      EventType = "message_seen"
	EventMessageDelivered EventType = "message_delivered"
	EventError            EventType = "error"
)

// Event is what the server delivers to joined connections.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Frame is what a connection sends to the server: lazy room management only,
// all state mutations go through the HTTP API.
type Frame struct {
	Action         string `json:"action"` // join_conversation | leave_conversation | ping
	ConversationID string `json:"conversation_id,omitempty"`
}

// Publisher is the realtime fan-out contract: best-effort, at-most-once, no
// acknowledgment and no retry. Failures never reach the caller because the
// originating mutation is already durable.
type Publisher interface {
	Publish(room string, event EventType, payload any)
}

// Nop is a Publisher that drops everything; used in tests and bus-less wiring.
type Nop struct{}

func (Nop) Publish(string, EventType, any) {}

// --- Typed payloads (avoid map[string]any in the hot path) ---

type AddedToGroupPayload struct {
	ConversationID string             `json:"conversation_id"`
	Conversation   model.Conversation `json:"conversation"`
}

type RemovedFromGroupPayload struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type MessageEditedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type ReceiptPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}
