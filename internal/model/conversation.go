package model

import "time"

type ConversationType string

const (
	ConversationPrivate ConversationType = "PRIVATE"
	ConversationGroup   ConversationType = "GROUP"
)

// Conversation is a private pair or a named group. ParticipantIDs keeps
// insertion order for display; membership itself is order-insignificant.
// LastMessageID is a weak reference: the message may be gone, resolve by lookup.
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	ParticipantIDs []string         `json:"participant_ids"`
	Name           string           `json:"name,omitempty"`
	AvatarURL      string           `json:"avatar,omitempty"`
	AdminIDs       []string         `json:"admin_ids,omitempty"`
	LastMessageID  *string          `json:"last_message_id,omitempty"`
	// UnreadCounts has exactly one entry per current participant.
	UnreadCounts map[string]int `json:"unread_counts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsParticipant reports whether userID is a member of the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsAdmin reports whether userID is in the group's admin list.
func (c *Conversation) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ConversationView is a conversation annotated for one viewer: their own
// unread counter, the resolved last message and participant profiles.
type ConversationView struct {
	Conversation
	LastMessage  *Message      `json:"last_message,omitempty"`
	Participants []UserProfile `json:"participants,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}
