package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/storage"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgStore.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var provider, meetingID, meetingLink, recordingLink *string
	var scheduledAt *time.Time
	if m.Meeting != nil {
		provider = &m.Meeting.Provider
		meetingID = &m.Meeting.MeetingID
		meetingLink = &m.Meeting.MeetingLink
		if m.Meeting.RecordingLink != "" {
			recordingLink = &m.Meeting.RecordingLink
		}
		scheduledAt = m.Meeting.ScheduledAt
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, msg_type, text_content,
		                       meeting_provider, meeting_id, meeting_link, recording_link, scheduled_at,
		                       reply_to_id, is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Text,
		provider, meetingID, meetingLink, recordingLink, scheduledAt,
		m.ReplyToID, m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgStore.Create: %w", err)
	}

	for i, f := range m.Files {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_files (message_id, position, url, file_name, file_size, mime_type, thumbnail_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, i, f.URL, f.FileName, f.FileSize, f.MimeType, f.ThumbnailURL,
		)
		if err != nil {
			return fmt.Errorf("msgStore.Create file %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgStore.Create commit: %w", err)
	}
	return nil
}

const msgCols = `id, conversation_id, sender_id, msg_type, text_content,
	meeting_provider, meeting_id, meeting_link, recording_link, scheduled_at,
	reply_to_id, is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at`

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var provider, meetingID, meetingLink, recordingLink *string
	var scheduledAt *time.Time
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Text,
		&provider, &meetingID, &meetingLink, &recordingLink, &scheduledAt,
		&m.ReplyToID, &m.IsEdited, &m.EditedAt, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return err
	}
	if provider != nil {
		m.Meeting = &model.Meeting{
			Provider:    *provider,
			MeetingID:   deref(meetingID),
			MeetingLink: deref(meetingLink),
			ScheduledAt: scheduledAt,
		}
		if recordingLink != nil {
			m.Meeting.RecordingLink = *recordingLink
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := s.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("msgStore.GetByID: %w", err)
	}
	if err := s.loadDetails(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByConversation", time.Now())()
	rows, err := s.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgStore.ListByConversation query: %w", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgStore.ListByConversation scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgStore.ListByConversation rows: %w", err)
	}

	ptrs := make([]*model.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := s.loadDetails(ctx, ptrs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// loadDetails fills files and receipts for all given messages in three queries.
func (s *MessageStore) loadDetails(ctx context.Context, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, url, file_name, file_size, mime_type, thumbnail_url
		 FROM message_files WHERE message_id = ANY($1) ORDER BY message_id, position`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgStore.loadDetails files: %w", err)
	}
	for rows.Next() {
		var msgID string
		var f model.MessageFile
		if err := rows.Scan(&msgID, &f.URL, &f.FileName, &f.FileSize, &f.MimeType, &f.ThumbnailURL); err != nil {
			rows.Close()
			return fmt.Errorf("msgStore.loadDetails files scan: %w", err)
		}
		if m := byID[msgID]; m != nil {
			m.Files = append(m.Files, f)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgStore.loadDetails files rows: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT message_id, user_id, seen_at FROM message_seen WHERE message_id = ANY($1) ORDER BY seen_at`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgStore.loadDetails seen: %w", err)
	}
	for rows.Next() {
		var msgID string
		var r model.Receipt
		if err := rows.Scan(&msgID, &r.UserID, &r.At); err != nil {
			rows.Close()
			return fmt.Errorf("msgStore.loadDetails seen scan: %w", err)
		}
		if m := byID[msgID]; m != nil {
			m.SeenBy = append(m.SeenBy, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgStore.loadDetails seen rows: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT message_id, user_id, delivered_at FROM message_delivered WHERE message_id = ANY($1) ORDER BY delivered_at`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgStore.loadDetails delivered: %w", err)
	}
	for rows.Next() {
		var msgID string
		var r model.Receipt
		if err := rows.Scan(&msgID, &r.UserID, &r.At); err != nil {
			rows.Close()
			return fmt.Errorf("msgStore.loadDetails delivered scan: %w", err)
		}
		if m := byID[msgID]; m != nil {
			m.DeliveredTo = append(m.DeliveredTo, r)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgStore.loadDetails delivered rows: %w", err)
	}
	return nil
}

func (s *MessageStore) UpdateText(ctx context.Context, id, text string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateText", time.Now())()
	ct, err := s.pool.Exec(ctx,
		`UPDATE messages SET text_content = $2, is_edited = true, edited_at = $3, updated_at = $3 WHERE id = $1`,
		id, text, editedAt,
	)
	if err != nil {
		return fmt.Errorf("msgStore.UpdateText: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	ct, err := s.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, deleted_at = $2, updated_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("msgStore.SoftDelete: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *MessageStore) UpsertSeen(ctx context.Context, messageID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpsertSeen", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_seen (message_id, user_id, seen_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET seen_at = EXCLUDED.seen_at`,
		messageID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("msgStore.UpsertSeen: %w", err)
	}
	return nil
}

func (s *MessageStore) UpsertDelivered(ctx context.Context, messageID, userID string, at time.Time) error {
	defer logger.DeferLogDuration("msg.UpsertDelivered", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO message_delivered (message_id, user_id, delivered_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, user_id) DO UPDATE SET delivered_at = EXCLUDED.delivered_at`,
		messageID, userID, at,
	)
	if err != nil {
		return fmt.Errorf("msgStore.UpsertDelivered: %w", err)
	}
	return nil
}
