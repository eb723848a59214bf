package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
)

// ReadStateStore mutates unread counters with single UPDATE statements only.
// A reset racing an increment for the same (conversation, user) must compose
// to 1, which rules out any read-then-write implementation.
type ReadStateStore struct {
	pool *pgxpool.Pool
}

func NewReadStateStore(pool *pgxpool.Pool) *ReadStateStore {
	return &ReadStateStore{pool: pool}
}

func (s *ReadStateStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("readstate.ResetUnread", time.Now())()
	_, err := s.pool.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = 0
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("readStateStore.ResetUnread: %w", err)
	}
	return nil
}

func (s *ReadStateStore) IncrementUnread(ctx context.Context, conversationID string, participantIDs []string, senderID string) error {
	defer logger.DeferLogDuration("readstate.IncrementUnread", time.Now())()
	// One statement covers every target: no per-participant round trips and
	// no partial application under failure.
	_, err := s.pool.Exec(ctx,
		`UPDATE conversation_participants SET unread_count = unread_count + 1
		 WHERE conversation_id = $1 AND user_id = ANY($2) AND user_id != $3`,
		conversationID, participantIDs, senderID,
	)
	if err != nil {
		return fmt.Errorf("readStateStore.IncrementUnread: %w", err)
	}
	return nil
}
