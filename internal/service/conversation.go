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

// ConversationService owns conversation lifecycle: creation, listing,
// group membership and read state.
type ConversationService struct {
	convs     storage.ConversationStore
	msgs      storage.MessageStore
	readState storage.ReadStateStore
	profiles  storage.ProfileStore
	bus       bus.Publisher
}

func NewConversationService(
	convs storage.ConversationStore,
	msgs storage.MessageStore,
	readState storage.ReadStateStore,
	profiles storage.ProfileStore,
	publisher bus.Publisher,
) *ConversationService {
	return &ConversationService{
		convs:     convs,
		msgs:      msgs,
		readState: readState,
		profiles:  profiles,
		bus:       publisher,
	}
}

// CreateConversationInput carries the caller-supplied fields for Create.
// The requester is always counted as a participant whether listed or not.
type CreateConversationInput struct {
	Type           model.ConversationType
	ParticipantIDs []string
	Name           string
	AvatarURL      string
	AdminIDs       []string
}

// Create makes a new conversation, or for the PRIVATE type returns the
// existing conversation between the same two users. Creation emits no event;
// clients discover new conversations on their next list.
func (s *ConversationService) Create(ctx context.Context, requesterID string, in CreateConversationInput) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversationService.Create", time.Now())()

	participants := lo.Uniq(append([]string{requesterID}, in.ParticipantIDs...))

	switch in.Type {
	case model.ConversationPrivate:
		return s.createPrivate(ctx, participants)
	case model.ConversationGroup:
		return s.createGroup(ctx, requesterID, participants, in)
	default:
		return nil, validationf("unknown conversation type %q", in.Type)
	}
}

func (s *ConversationService) createPrivate(ctx context.Context, participants []string) (*model.Conversation, error) {
	if len(participants) != 2 {
		return nil, validationf("a private conversation needs exactly 2 distinct participants, got %d", len(participants))
	}

	existing, err := s.convs.FindPrivate(ctx, participants[0], participants[1])
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	conv := newConversation(model.ConversationPrivate, participants)
	if err := s.convs.Create(ctx, conv); err != nil {
		// Lost a race against a concurrent create of the same pair; the
		// winner's row is the conversation both callers get.
		if errors.Is(err, storage.ErrDuplicate) {
			return s.convs.FindPrivate(ctx, participants[0], participants[1])
		}
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) createGroup(ctx context.Context, requesterID string, participants []string, in CreateConversationInput) (*model.Conversation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, validationf("a group conversation needs a name")
	}
	if len(participants) < 3 {
		return nil, validationf("a group conversation needs at least 3 participants, got %d", len(participants))
	}

	admins := lo.Uniq(in.AdminIDs)
	if len(admins) == 0 {
		admins = []string{requesterID}
	}
	// Admins must be drawn from the participant set.
	admins = lo.Filter(admins, func(id string, _ int) bool {
		return lo.Contains(participants, id)
	})
	if len(admins) == 0 {
		return nil, validationf("admin ids must be participants of the group")
	}

	conv := newConversation(model.ConversationGroup, participants)
	conv.Name = name
	conv.AvatarURL = in.AvatarURL
	conv.AdminIDs = admins
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func newConversation(t model.ConversationType, participants []string) *model.Conversation {
	now := time.Now().UTC()
	counts := make(map[string]int, len(participants))
	for _, id := range participants {
		counts[id] = 0
	}
	return &model.Conversation{
		ID:             uuid.NewString(),
		Type:           t,
		ParticipantIDs: participants,
		UnreadCounts:   counts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// List returns the caller's conversations, most recently active first, each
// enriched with its last message, participant profiles and the caller's own
// unread count.
func (s *ConversationService) List(ctx context.Context, userID string) ([]model.ConversationView, error) {
	defer logger.DeferLogDuration("conversationService.List", time.Now())()

	convs, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]model.ConversationView, 0, len(convs))
	for i := range convs {
		v, err := s.buildView(ctx, &convs[i], userID)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Get returns one conversation the caller participates in. Missing and
// foreign conversations are indistinguishable to the caller.
func (s *ConversationService) Get(ctx context.Context, conversationID, userID string) (*model.ConversationView, error) {
	conv, err := s.memberConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, conv, userID)
}

func (s *ConversationService) buildView(ctx context.Context, conv *model.Conversation, userID string) (*model.ConversationView, error) {
	view := &model.ConversationView{
		Conversation: *conv,
		UnreadCount:  conv.UnreadCounts[userID],
	}

	if conv.LastMessageID != nil {
		last, err := s.msgs.GetByID(ctx, *conv.LastMessageID)
		switch {
		case err == nil:
			view.LastMessage = last
		case errors.Is(err, storage.ErrNotFound):
			// Weak reference; tolerate a vanished last message.
		default:
			return nil, err
		}
	}

	profiles, err := s.profiles.GetByIDs(ctx, conv.ParticipantIDs)
	if err != nil {
		return nil, err
	}
	view.Participants = profiles
	return view, nil
}

// UpdateGroupInput carries the mutable group fields. Nil means "leave as is";
// a provided empty name is also ignored rather than rejected.
type UpdateGroupInput struct {
	Name      *string
	AvatarURL *string
	AdminIDs  []string
}

// UpdateGroup changes a group's name, avatar or admin set. Only admins may
// call it. It deliberately emits no event.
func (s *ConversationService) UpdateGroup(ctx context.Context, conversationID, userID string, in UpdateGroupInput) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversationService.UpdateGroup", time.Now())()

	conv, err := s.memberGroup(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(userID) {
		return nil, ErrForbidden
	}

	name := in.Name
	if name != nil && strings.TrimSpace(*name) == "" {
		name = nil
	}
	admins := in.AdminIDs
	if admins != nil {
		admins = lo.Filter(lo.Uniq(admins), func(id string, _ int) bool {
			return conv.IsParticipant(id)
		})
	}

	if err := s.convs.UpdateGroup(ctx, conversationID, name, in.AvatarURL, admins); err != nil {
		return nil, err
	}
	return s.convs.GetByID(ctx, conversationID)
}

// AddParticipants adds users to a group. Admin-only. Users already in the
// group are skipped; if nobody is actually new the call is a no-op and no
// event is sent. Each genuinely added user gets an added_to_group event on
// their personal room carrying the updated conversation.
func (s *ConversationService) AddParticipants(ctx context.Context, conversationID, userID string, newIDs []string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversationService.AddParticipants", time.Now())()

	conv, err := s.memberGroup(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(userID) {
		return nil, ErrForbidden
	}

	toAdd := lo.Filter(lo.Uniq(newIDs), func(id string, _ int) bool {
		return !conv.IsParticipant(id)
	})
	if len(toAdd) == 0 {
		return conv, nil
	}

	now := time.Now().UTC()
	if err := s.convs.AddParticipants(ctx, conversationID, toAdd, now); err != nil {
		return nil, err
	}
	updated, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	for _, id := range toAdd {
		s.bus.Publish(bus.UserRoom(id), bus.EventAddedToGroup, bus.AddedToGroupPayload{
			ConversationID: updated.ID,
			Conversation:   *updated,
		})
	}
	return updated, nil
}

// RemoveParticipant removes a user from a group. Admins may remove anyone;
// any member may remove themselves (leave). Removing a user who is not in
// the group is a no-op. The removed user's unread counter and admin flag go
// with the membership. A group may be left with zero admins.
func (s *ConversationService) RemoveParticipant(ctx context.Context, conversationID, userID, targetID string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversationService.RemoveParticipant", time.Now())()

	conv, err := s.memberGroup(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !conv.IsAdmin(userID) && userID != targetID {
		return nil, ErrForbidden
	}

	wasMember := conv.IsParticipant(targetID)
	if wasMember {
		if err := s.convs.RemoveParticipant(ctx, conversationID, targetID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}
	updated, err := s.convs.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if wasMember {
		s.bus.Publish(bus.UserRoom(targetID), bus.EventRemovedFromGroup, bus.RemovedFromGroupPayload{
			ConversationID: updated.ID,
		})
	}
	return updated, nil
}

// MarkRead resets the caller's unread counter to zero in a single store
// operation and announces conversation_read to the conversation room so open
// clients can update read indicators.
func (s *ConversationService) MarkRead(ctx context.Context, conversationID, userID string) error {
	defer logger.DeferLogDuration("conversationService.MarkRead", time.Now())()

	if _, err := s.memberConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.readState.ResetUnread(ctx, conversationID, userID); err != nil {
		return err
	}

	s.bus.Publish(bus.ConversationRoom(conversationID), bus.EventConversationRead, bus.ConversationReadPayload{
		ConversationID: conversationID,
		UserID:         userID,
	})
	return nil
}

// memberConversation loads a conversation and requires the caller to be a
// participant, collapsing "missing" and "not yours" into ErrNotFound.
func (s *ConversationService) memberConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
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

// memberGroup is memberConversation plus the GROUP type requirement shared
// by all group management operations.
func (s *ConversationService) memberGroup(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.memberConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.Type != model.ConversationGroup {
		return nil, ErrNotFound
	}
	return conv, nil
}
