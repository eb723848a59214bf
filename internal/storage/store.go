// Package storage defines the persistence contracts of the messaging core.
// Implementations: postgres (production), memory (dev runs and tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chatserver/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a create collides with the store-level
	// uniqueness constraint on (PRIVATE, participant pair).
	ErrDuplicate = errors.New("duplicate")
)

// ConversationStore owns conversation records. Writes keep the shape
// invariant that every participant has an unread-counter entry.
type ConversationStore interface {
	Create(ctx context.Context, c *model.Conversation) error
	GetByID(ctx context.Context, id string) (*model.Conversation, error)
	// FindPrivate returns the PRIVATE conversation for the unordered pair,
	// or ErrNotFound.
	FindPrivate(ctx context.Context, userA, userB string) (*model.Conversation, error)
	// ListForUser returns conversations where userID participates, newest
	// activity first (updated_at descending).
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	// UpdateGroup applies only the non-nil fields and bumps updated_at.
	UpdateGroup(ctx context.Context, id string, name, avatarURL *string, adminIDs []string) error
	// AddParticipants appends members with zeroed unread counters.
	AddParticipants(ctx context.Context, id string, userIDs []string, at time.Time) error
	// RemoveParticipant drops the member row; the unread entry goes with it
	// and admin demotion is implicit.
	RemoveParticipant(ctx context.Context, id, userID string, at time.Time) error
	// SetLastMessage updates the weak last-message pointer and updated_at.
	SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error
}

// MessageStore owns message records and their receipt sub-records.
type MessageStore interface {
	Create(ctx context.Context, m *model.Message) error
	GetByID(ctx context.Context, id string) (*model.Message, error)
	// ListByConversation returns messages newest first.
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error)
	// UpdateText changes the text and stamps is_edited/edited_at.
	UpdateText(ctx context.Context, id, text string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	// UpsertSeen and UpsertDelivered keep at most one receipt per user;
	// a later write for the same user overwrites the timestamp.
	UpsertSeen(ctx context.Context, messageID, userID string, at time.Time) error
	UpsertDelivered(ctx context.Context, messageID, userID string, at time.Time) error
}

// ReadStateStore performs the per-participant unread bookkeeping. Both
// operations must be single atomic store primitives, never read-then-write:
// a reset racing an increment has to compose to 1, not 0.
type ReadStateStore interface {
	// ResetUnread zeroes userID's counter for the conversation. Idempotent.
	ResetUnread(ctx context.Context, conversationID, userID string) error
	// IncrementUnread bumps the counter of every listed participant except
	// senderID in one operation covering all targets.
	IncrementUnread(ctx context.Context, conversationID string, participantIDs []string, senderID string) error
}

// ProfileStore reads the minimal display projection of externally managed users.
type ProfileStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]model.UserProfile, error)
}

// PrivateKey returns the canonical key for an unordered user pair, used to
// enforce the one-private-conversation-per-pair invariant at the store level.
func PrivateKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
