// Package memory implements the storage interfaces in process memory. It
// backs -dev runs without Postgres and the package test suites. Every
// operation holds the store mutex for its whole duration, so the counter
// operations are atomic single steps just like their SQL counterparts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/storage"
)

// Store is the shared core. Typed handles (Conversations, Messages, ReadState,
// Profiles) adapt it to the storage interfaces the same way the postgres
// package splits one pool across store types.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	privatePairs  map[string]string // pair key -> conversation id
	messages      map[string]*model.Message
	byConv        map[string][]string // conversation id -> message ids, append order
	profiles      map[string]model.UserProfile
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		privatePairs:  make(map[string]string),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]string),
		profiles:      make(map[string]model.UserProfile),
	}
}

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{s: s} }
func (s *Store) Messages() *MessageStore           { return &MessageStore{s: s} }
func (s *Store) ReadState() *ReadStateStore        { return &ReadStateStore{s: s} }
func (s *Store) Profiles() *ProfileStore           { return &ProfileStore{s: s} }

// SeedProfile registers a user projection (normally provisioned by the
// external identity system).
func (s *Store) SeedProfile(p model.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	cp := *c
	cp.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	cp.AdminIDs = append([]string(nil), c.AdminIDs...)
	cp.UnreadCounts = make(map[string]int, len(c.UnreadCounts))
	for k, v := range c.UnreadCounts {
		cp.UnreadCounts[k] = v
	}
	if c.LastMessageID != nil {
		id := *c.LastMessageID
		cp.LastMessageID = &id
	}
	return &cp
}

func cloneMessage(m *model.Message) *model.Message {
	cp := *m
	cp.Files = append([]model.MessageFile(nil), m.Files...)
	cp.SeenBy = append([]model.Receipt(nil), m.SeenBy...)
	cp.DeliveredTo = append([]model.Receipt(nil), m.DeliveredTo...)
	if m.Meeting != nil {
		mt := *m.Meeting
		cp.Meeting = &mt
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		cp.ReplyToID = &id
	}
	return &cp
}

// ConversationStore implements storage.ConversationStore.
type ConversationStore struct {
	s *Store
}

func (cs *ConversationStore) Create(ctx context.Context, c *model.Conversation) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Type == model.ConversationPrivate && len(c.ParticipantIDs) == 2 {
		key := storage.PrivateKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
		if _, exists := s.privatePairs[key]; exists {
			return storage.ErrDuplicate
		}
		s.privatePairs[key] = c.ID
	}
	stored := cloneConversation(c)
	if stored.UnreadCounts == nil {
		stored.UnreadCounts = make(map[string]int)
	}
	for _, uid := range stored.ParticipantIDs {
		if _, ok := stored.UnreadCounts[uid]; !ok {
			stored.UnreadCounts[uid] = 0
		}
	}
	s.conversations[c.ID] = stored
	return nil
}

func (cs *ConversationStore) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	s := cs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneConversation(c), nil
}

func (cs *ConversationStore) FindPrivate(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	s := cs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.privatePairs[storage.PrivateKey(userA, userB)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

func (cs *ConversationStore) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	s := cs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Conversation, 0, 8)
	for _, c := range s.conversations {
		if c.IsParticipant(userID) {
			out = append(out, *cloneConversation(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (cs *ConversationStore) UpdateGroup(ctx context.Context, id string, name, avatarURL *string, adminIDs []string) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	if name != nil {
		c.Name = *name
	}
	if avatarURL != nil {
		c.AvatarURL = *avatarURL
	}
	if adminIDs != nil {
		// Keep only admins who are still participants, in participant order.
		c.AdminIDs = lo.Filter(c.ParticipantIDs, func(uid string, _ int) bool {
			return lo.Contains(adminIDs, uid)
		})
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (cs *ConversationStore) AddParticipants(ctx context.Context, id string, userIDs []string, at time.Time) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	for _, uid := range userIDs {
		if c.IsParticipant(uid) {
			continue
		}
		c.ParticipantIDs = append(c.ParticipantIDs, uid)
		c.UnreadCounts[uid] = 0
	}
	c.UpdatedAt = at
	return nil
}

func (cs *ConversationStore) RemoveParticipant(ctx context.Context, id, userID string, at time.Time) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.ParticipantIDs = lo.Without(c.ParticipantIDs, userID)
	c.AdminIDs = lo.Without(c.AdminIDs, userID)
	delete(c.UnreadCounts, userID)
	c.UpdatedAt = at
	return nil
}

func (cs *ConversationStore) SetLastMessage(ctx context.Context, id, messageID string, at time.Time) error {
	s := cs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	mid := messageID
	c.LastMessageID = &mid
	c.UpdatedAt = at
	return nil
}

// ReadStateStore implements storage.ReadStateStore.
type ReadStateStore struct {
	s *Store
}

func (rs *ReadStateStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	if _, ok := c.UnreadCounts[userID]; ok {
		c.UnreadCounts[userID] = 0
	}
	return nil
}

func (rs *ReadStateStore) IncrementUnread(ctx context.Context, conversationID string, participantIDs []string, senderID string) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	for _, uid := range participantIDs {
		if uid == senderID {
			continue
		}
		if _, ok := c.UnreadCounts[uid]; ok {
			c.UnreadCounts[uid]++
		}
	}
	return nil
}

// MessageStore implements storage.MessageStore.
type MessageStore struct {
	s *Store
}

func (ms *MessageStore) Create(ctx context.Context, m *model.Message) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	return nil
}

func (ms *MessageStore) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s := ms.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (ms *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	s := ms.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	out := make([]model.Message, 0, limit)
	// Newest first: walk the append-ordered ids backwards.
	for i := len(ids) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *cloneMessage(s.messages[ids[i]]))
	}
	return out, nil
}

func (ms *MessageStore) UpdateText(ctx context.Context, id, text string, editedAt time.Time) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Text = text
	m.IsEdited = true
	at := editedAt
	m.EditedAt = &at
	m.UpdatedAt = editedAt
	return nil
}

func (ms *MessageStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.IsDeleted = true
	t := at
	m.DeletedAt = &t
	m.UpdatedAt = at
	return nil
}

func upsertReceipt(receipts []model.Receipt, userID string, at time.Time) []model.Receipt {
	for i := range receipts {
		if receipts[i].UserID == userID {
			receipts[i].At = at
			return receipts
		}
	}
	return append(receipts, model.Receipt{UserID: userID, At: at})
}

func (ms *MessageStore) UpsertSeen(ctx context.Context, messageID, userID string, at time.Time) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	m.SeenBy = upsertReceipt(m.SeenBy, userID, at)
	return nil
}

func (ms *MessageStore) UpsertDelivered(ctx context.Context, messageID, userID string, at time.Time) error {
	s := ms.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	m.DeliveredTo = upsertReceipt(m.DeliveredTo, userID, at)
	return nil
}

// ProfileStore implements storage.ProfileStore.
type ProfileStore struct {
	s *Store
}

func (ps *ProfileStore) GetByIDs(ctx context.Context, ids []string) ([]model.UserProfile, error) {
	s := ps.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.UserProfile, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
