package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/storage"
)

const uniqueViolation = "23505"

type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

func (s *ConversationStore) Create(ctx context.Context, c *model.Conversation) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convStore.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var privateKey *string
	if c.Type == model.ConversationPrivate && len(c.ParticipantIDs) == 2 {
		k := storage.PrivateKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
		privateKey = &k
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, conv_type, name, avatar_url, private_key, last_message_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Type, c.Name, c.AvatarURL, privateKey, c.LastMessageID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("convStore.Create: %w", err)
	}

	for i, uid := range c.ParticipantIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, is_admin, position, unread_count, joined_at)
			 VALUES ($1, $2, $3, $4, 0, $5)`,
			c.ID, uid, c.IsAdmin(uid), i, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convStore.Create participant %s: %w", uid, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convStore.Create commit: %w", err)
	}
	return nil
}

const convCols = `id, conv_type, name, avatar_url, last_message_id, created_at, updated_at`

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	return s.Scan(&c.ID, &c.Type, &c.Name, &c.AvatarURL, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *ConversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	row := s.pool.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("convStore.GetByID: %w", err)
	}
	if err := s.loadParticipants(ctx, []*model.Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationStore) FindPrivate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.FindPrivate", time.Now())()
	c := &model.Conversation{}
	row := s.pool.QueryRow(ctx,
		`SELECT `+convCols+` FROM conversations WHERE private_key = $1`,
		storage.PrivateKey(userA, userB),
	)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("convStore.FindPrivate: %w", err)
	}
	if err := s.loadParticipants(ctx, []*model.Conversation{c}); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *ConversationStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListForUser", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.conv_type, c.name, c.avatar_url, c.last_message_id, c.created_at, c.updated_at
		 FROM conversations c
		 JOIN conversation_participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("convStore.ListForUser query: %w", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := scanConversation(rows, &c); err != nil {
			return nil, fmt.Errorf("convStore.ListForUser scan: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convStore.ListForUser rows: %w", err)
	}

	ptrs := make([]*model.Conversation, len(convs))
	for i := range convs {
		ptrs[i] = &convs[i]
	}
	if err := s.loadParticipants(ctx, ptrs); err != nil {
		return nil, err
	}
	return convs, nil
}

// loadParticipants fills ParticipantIDs, AdminIDs and UnreadCounts for all
// given conversations in a single query, preserving insertion order.
func (s *ConversationStore) loadParticipants(ctx context.Context, convs []*model.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(convs))
	byID := make(map[string]*model.Conversation, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
		byID[c.ID] = c
		c.UnreadCounts = make(map[string]int)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id, user_id, is_admin, unread_count
		 FROM conversation_participants
		 WHERE conversation_id = ANY($1)
		 ORDER BY conversation_id, position`, ids,
	)
	if err != nil {
		return fmt.Errorf("convStore.loadParticipants query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		var isAdmin bool
		var unread int
		if err := rows.Scan(&convID, &userID, &isAdmin, &unread); err != nil {
			return fmt.Errorf("convStore.loadParticipants scan: %w", err)
		}
		c := byID[convID]
		if c == nil {
			continue
		}
		c.ParticipantIDs = append(c.ParticipantIDs, userID)
		if isAdmin {
			c.AdminIDs = append(c.AdminIDs, userID)
		}
		c.UnreadCounts[userID] = unread
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("convStore.loadParticipants rows: %w", err)
	}
	return nil
}

func (s *ConversationStore) UpdateGroup(ctx context.Context, id string, name, avatarURL *string, adminIDs []string) error {
	defer logger.DeferLogDuration("conv.UpdateGroup", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convStore.UpdateGroup begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx,
		`UPDATE conversations
		 SET name = COALESCE($2, name), avatar_url = COALESCE($3, avatar_url), updated_at = $4
		 WHERE id = $1`,
		id, name, avatarURL, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("convStore.UpdateGroup: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	if adminIDs != nil {
		_, err = tx.Exec(ctx,
			`UPDATE conversation_participants SET is_admin = (user_id = ANY($2)) WHERE conversation_id = $1`,
			id, adminIDs,
		)
		if err != nil {
			return fmt.Errorf("convStore.UpdateGroup admins: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convStore.UpdateGroup commit: %w", err)
	}
	return nil
}

func (s *ConversationStore) AddParticipants(ctx context.Context, id string, userIDs []string, at time.Time) error {
	defer logger.DeferLogDuration("conv.AddParticipants", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convStore.AddParticipants begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var next int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM conversation_participants WHERE conversation_id = $1`, id,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("convStore.AddParticipants position: %w", err)
	}

	for i, uid := range userIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, is_admin, position, unread_count, joined_at)
			 VALUES ($1, $2, false, $3, 0, $4)
			 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			id, uid, next+i, at,
		)
		if err != nil {
			return fmt.Errorf("convStore.AddParticipants %s: %w", uid, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("convStore.AddParticipants touch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convStore.AddParticipants commit: %w", err)
	}
	return nil
}

func (s *ConversationStore) RemoveParticipant(ctx context.Context, id, userID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.RemoveParticipant", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convStore.RemoveParticipant begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The unread entry lives on the participant row, so it is deleted with it;
	// admin demotion is implicit for the same reason.
	_, err = tx.Exec(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("convStore.RemoveParticipant: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("convStore.RemoveParticipant touch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convStore.RemoveParticipant commit: %w", err)
	}
	return nil
}

func (s *ConversationStore) SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.SetLastMessage", time.Now())()
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET last_message_id = $2, updated_at = $3 WHERE id = $1`,
		id, messageID, at,
	)
	if err != nil {
		return fmt.Errorf("convStore.SetLastMessage: %w", err)
	}
	return nil
}
