package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/chatserver/internal/bus"
	"github.com/chatserver/internal/logger"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/storage"
)

// MessageService owns message lifecycle and the unread side effects of
// sending: a sent message bumps the conversation's last-message pointer and
// increments every other participant's unread counter exactly once.
type MessageService struct {
	msgs      storage.MessageStore
	convs     storage.ConversationStore
	readState storage.ReadStateStore
	profiles  storage.ProfileStore
	bus       bus.Publisher
}

func NewMessageService(
	msgs storage.MessageStore,
	convs storage.ConversationStore,
	readState storage.ReadStateStore,
	profiles storage.ProfileStore,
	publisher bus.Publisher,
) *MessageService {
	return &MessageService{
		msgs:      msgs,
		convs:     convs,
		readState: readState,
		profiles:  profiles,
		bus:       publisher,
	}
}

// SendMessageInput carries the caller-supplied fields for Send. An empty
// Type defaults to TEXT.
type SendMessageInput struct {
	ConversationID string
	Type           model.MessageType
	Text           string
	Files          []model.MessageFile
	Meeting        *model.Meeting
	ReplyToID      *string
}

// Send validates, persists and announces a new message. Persistence and the
// counter increment must succeed before the caller gets the message back;
// the new_message fan-out is best effort.
func (s *MessageService) Send(ctx context.Context, senderID string, in SendMessageInput) (*model.Message, error) {
	defer logger.DeferLogDuration("messageService.Send", time.Now())()

	conv, err := s.memberConversation(ctx, in.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	msg, err := buildMessage(senderID, in)
	if err != nil {
		return nil, err
	}
	if err := s.checkReplyTarget(ctx, conv.ID, msg.ReplyToID); err != nil {
		return nil, err
	}

	if err := s.msgs.Create(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.convs.SetLastMessage(ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		return nil, err
	}
	if err := s.readState.IncrementUnread(ctx, conv.ID, conv.ParticipantIDs, senderID); err != nil {
		return nil, err
	}

	s.attachSenders(ctx, []*model.Message{msg})

	s.bus.Publish(bus.ConversationRoom(conv.ID), bus.EventNewMessage, msg)
	for _, id := range conv.ParticipantIDs {
		s.bus.Publish(bus.UserRoom(id), bus.EventNewMessage, msg)
	}
	return msg, nil
}

func buildMessage(senderID string, in SendMessageInput) (*model.Message, error) {
	t := in.Type
	if t == "" {
		t = model.MessageText
	}

	text := strings.TrimSpace(in.Text)
	switch t {
	case model.MessageText:
		if text == "" {
			return nil, validationf("a text message needs non-empty text")
		}
		in.Files = nil
	case model.MessageTextWithFile:
		if text == "" {
			return nil, validationf("a text-with-file message needs non-empty text")
		}
		if len(in.Files) == 0 {
			return nil, validationf("a text-with-file message needs at least one file")
		}
	case model.MessageFileOnly:
		if len(in.Files) == 0 {
			return nil, validationf("a file message needs at least one file")
		}
		text = ""
	case model.MessageSystem:
		if text == "" {
			return nil, validationf("a system message needs non-empty text")
		}
		in.Files = nil
	case model.MessageMeeting:
		if in.Meeting == nil || in.Meeting.MeetingLink == "" {
			return nil, validationf("a meeting message needs meeting details with a link")
		}
		text = ""
		in.Files = nil
	default:
		return nil, validationf("unknown message type %q", t)
	}
	if t != model.MessageMeeting {
		in.Meeting = nil
	}

	now := time.Now().UTC()
	return &model.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Type:           t,
		Text:           text,
		Files:          in.Files,
		Meeting:        in.Meeting,
		ReplyToID:      in.ReplyToID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// checkReplyTarget rejects replies that point into another conversation.
// A reply target that no longer exists is tolerated; reply_to is a weak
// reference and may dangle.
func (s *MessageService) checkReplyTarget(ctx context.Context, conversationID string, replyToID *string) error {
	if replyToID == nil {
		return nil
	}
	target, err := s.msgs.GetByID(ctx, *replyToID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.ConversationID != conversationID {
		return validationf("reply target belongs to a different conversation")
	}
	return nil
}

// List returns a page of a conversation's messages, newest first. Only
// participants may read; everyone else gets ErrNotFound.
func (s *MessageService) List(ctx context.Context, conversationID, userID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("messageService.List", time.Now())()

	if _, err := s.memberConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.msgs.ListByConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	ptrs := make([]*model.Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	s.attachSenders(ctx, ptrs)
	return msgs, nil
}

// Get returns one message, membership-scoped through its conversation, with
// the reply target resolved for preview when present.
func (s *MessageService) Get(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := s.memberMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.ReplyToID != nil {
		target, err := s.msgs.GetByID(ctx, *msg.ReplyToID)
		if err == nil {
			msg.ReplyTo = target
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	s.attachSenders(ctx, []*model.Message{msg})
	return msg, nil
}

// Edit replaces a message's text. Sender-only. Editing marks the message as
// edited only when the text actually changes.
func (s *MessageService) Edit(ctx context.Context, messageID, userID, text string) (*model.Message, error) {
	defer logger.DeferLogDuration("messageService.Edit", time.Now())()

	msg, err := s.memberMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden
	}
	if msg.IsDeleted {
		return nil, validationf("cannot edit a deleted message")
	}
	if !msg.Type.HasText() {
		return nil, validationf("message type %q has no editable text", msg.Type)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, validationf("edited text must be non-empty")
	}
	if text == msg.Text {
		return msg, nil
	}

	editedAt := time.Now().UTC()
	if err := s.msgs.UpdateText(ctx, messageID, text, editedAt); err != nil {
		return nil, err
	}
	msg.Text = text
	msg.IsEdited = true
	msg.EditedAt = &editedAt
	msg.UpdatedAt = editedAt

	s.bus.Publish(bus.ConversationRoom(msg.ConversationID), bus.EventMessageEdited, bus.MessageEditedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Text:           text,
	})
	return msg, nil
}

// Delete soft-deletes a message. Sender-only; deleting twice is a no-op.
// The row stays so reply previews and history keep a tombstone.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string) error {
	defer logger.DeferLogDuration("messageService.Delete", time.Now())()

	msg, err := s.memberMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return ErrForbidden
	}
	if msg.IsDeleted {
		return nil
	}

	if err := s.msgs.SoftDelete(ctx, messageID, time.Now().UTC()); err != nil {
		return err
	}
	s.bus.Publish(bus.ConversationRoom(msg.ConversationID), bus.EventMessageDeleted, bus.MessageDeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
	return nil
}

// MarkDelivered records a delivery receipt for the caller. Receipts are
// monotonic upserts, so repeated calls keep the first timestamp. The sender's
// own receipt is meaningless and silently skipped.
func (s *MessageService) MarkDelivered(ctx context.Context, messageID, userID string) error {
	return s.markReceipt(ctx, messageID, userID, s.msgs.UpsertDelivered, bus.EventMessageDelivered)
}

// MarkSeen records a seen receipt for the caller, same rules as MarkDelivered.
func (s *MessageService) MarkSeen(ctx context.Context, messageID, userID string) error {
	return s.markReceipt(ctx, messageID, userID, s.msgs.UpsertSeen, bus.EventMessageSeen)
}

func (s *MessageService) markReceipt(
	ctx context.Context,
	messageID, userID string,
	upsert func(ctx context.Context, messageID, userID string, at time.Time) error,
	event bus.EventType,
) error {
	msg, err := s.memberMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}

	if err := upsert(ctx, messageID, userID, time.Now().UTC()); err != nil {
		return err
	}
	s.bus.Publish(bus.ConversationRoom(msg.ConversationID), event, bus.ReceiptPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
	})
	return nil
}

// memberMessage loads a message and requires the caller to participate in
// its conversation; outsiders see ErrNotFound.
func (s *MessageService) memberMessage(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := s.msgs.GetByID(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.memberConversation(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MessageService) memberConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, ErrNotFound
	}
	return conv, nil
}

// attachSenders fills Sender profiles on a batch of messages with a single
// profile lookup. Lookup failure degrades to messages without profiles.
func (s *MessageService) attachSenders(ctx context.Context, msgs []*model.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := lo.Uniq(lo.Map(msgs, func(m *model.Message, _ int) string { return m.SenderID }))
	profiles, err := s.profiles.GetByIDs(ctx, ids)
	if err != nil {
		logger.Error("messageService.attachSenders: " + err.Error())
		return
	}
	byID := lo.KeyBy(profiles, func(p model.UserProfile) string { return p.ID })
	for _, m := range msgs {
		if p, ok := byID[m.SenderID]; ok {
			pc := p
			m.Sender = &pc
		}
	}
}
