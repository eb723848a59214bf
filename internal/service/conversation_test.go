package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chatserver/internal/bus"
	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/service"
	"github.com/chatserver/internal/storage/memory"
)

type published struct {
	Room    string
	Type    bus.EventType
	Payload any
}

// recordingPublisher captures everything published so tests can assert on
// rooms and event types without a running hub.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(room string, event bus.EventType, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{Room: room, Type: event, Payload: payload})
}

func (p *recordingPublisher) byType(t bus.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fixture struct {
	store *memory.Store
	pub   *recordingPublisher
	convs *service.ConversationService
	msgs  *service.MessageService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	for _, p := range []model.UserProfile{
		{ID: "alice", Name: "Alice"},
		{ID: "bob", Name: "Bob"},
		{ID: "carol", Name: "Carol"},
		{ID: "dave", Name: "Dave"},
	} {
		st.SeedProfile(p)
	}
	pub := &recordingPublisher{}
	return &fixture{
		store: st,
		pub:   pub,
		convs: service.NewConversationService(st.Conversations(), st.Messages(), st.ReadState(), st.Profiles(), pub),
		msgs:  service.NewMessageService(st.Messages(), st.Conversations(), st.ReadState(), st.Profiles(), pub),
	}
}

func (f *fixture) group(t *testing.T, creator string, others ...string) *model.Conversation {
	t.Helper()
	conv, err := f.convs.Create(context.Background(), creator, service.CreateConversationInput{
		Type:           model.ConversationGroup,
		Name:           "team",
		ParticipantIDs: others,
	})
	require.NoError(t, err)
	return conv
}

func Test_private_conversation_create_is_idempotent_across_argument_order(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationPrivate,
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)

	second, err := f.convs.Create(ctx, "bob", service.CreateConversationInput{
		Type:           model.ConversationPrivate,
		ParticipantIDs: []string{"alice"},
	})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Zero(t, f.pub.count(), "creation must not publish events")
}

func Test_private_conversation_needs_exactly_two_distinct_participants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Requester alone.
	_, err := f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationPrivate,
		ParticipantIDs: []string{"alice"},
	})
	var verr *service.ValidationError
	require.ErrorAs(t, err, &verr)

	// Three people.
	_, err = f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationPrivate,
		ParticipantIDs: []string{"bob", "carol"},
	})
	require.ErrorAs(t, err, &verr)
}

func Test_group_create_validates_name_and_size(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *service.ValidationError

	_, err := f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationGroup,
		Name:           "   ",
		ParticipantIDs: []string{"bob", "carol"},
	})
	require.ErrorAs(t, err, &verr)

	_, err = f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationGroup,
		Name:           "team",
		ParticipantIDs: []string{"bob"},
	})
	require.ErrorAs(t, err, &verr)
}

func Test_group_create_defaults_admins_to_creator(t *testing.T) {
	f := newFixture(t)

	conv := f.group(t, "alice", "bob", "carol")
	require.Equal(t, []string{"alice"}, conv.AdminIDs)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, conv.ParticipantIDs)
	for _, id := range conv.ParticipantIDs {
		require.Zero(t, conv.UnreadCounts[id])
	}
}

func Test_group_create_drops_admin_ids_outside_the_participant_set(t *testing.T) {
	f := newFixture(t)

	conv, err := f.convs.Create(context.Background(), "alice", service.CreateConversationInput{
		Type:           model.ConversationGroup,
		Name:           "team",
		ParticipantIDs: []string{"bob", "carol"},
		AdminIDs:       []string{"bob", "dave"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, conv.AdminIDs)
}

func Test_get_hides_conversations_from_non_members(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")

	_, err := f.convs.Get(context.Background(), conv.ID, "dave")
	require.ErrorIs(t, err, service.ErrNotFound)

	_, err = f.convs.Get(context.Background(), "no-such-id", "alice")
	require.ErrorIs(t, err, service.ErrNotFound)

	view, err := f.convs.Get(context.Background(), conv.ID, "bob")
	require.NoError(t, err)
	require.Len(t, view.Participants, 3)
}

func Test_update_group_is_admin_only_and_silent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.group(t, "alice", "bob", "carol")
	f.pub.reset()

	name := "renamed"
	_, err := f.convs.UpdateGroup(ctx, conv.ID, "bob", service.UpdateGroupInput{Name: &name})
	require.ErrorIs(t, err, service.ErrForbidden)

	_, err = f.convs.UpdateGroup(ctx, conv.ID, "dave", service.UpdateGroupInput{Name: &name})
	require.ErrorIs(t, err, service.ErrNotFound)

	updated, err := f.convs.UpdateGroup(ctx, conv.ID, "alice", service.UpdateGroupInput{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Zero(t, f.pub.count(), "group updates publish nothing")
}

func Test_update_group_ignores_an_empty_name(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")

	empty := "  "
	avatar := "https://cdn/img.png"
	updated, err := f.convs.UpdateGroup(context.Background(), conv.ID, "alice", service.UpdateGroupInput{
		Name:      &empty,
		AvatarURL: &avatar,
	})
	require.NoError(t, err)
	require.Equal(t, "team", updated.Name)
	require.Equal(t, avatar, updated.AvatarURL)
}

func Test_add_participants_skips_existing_members_and_notifies_only_new_ones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.group(t, "alice", "bob", "carol")
	f.pub.reset()

	updated, err := f.convs.AddParticipants(ctx, conv.ID, "alice", []string{"bob", "dave"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, updated.ParticipantIDs)
	require.Zero(t, updated.UnreadCounts["dave"])

	events := f.pub.byType(bus.EventAddedToGroup)
	require.Len(t, events, 1)
	require.Equal(t, bus.UserRoom("dave"), events[0].Room)
}

func Test_add_participants_with_no_new_members_is_a_silent_noop(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")
	f.pub.reset()

	updated, err := f.convs.AddParticipants(context.Background(), conv.ID, "alice", []string{"bob", "carol"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, updated.ParticipantIDs)
	require.Zero(t, f.pub.count())
}

func Test_add_participants_requires_admin(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")

	_, err := f.convs.AddParticipants(context.Background(), conv.ID, "bob", []string{"dave"})
	require.ErrorIs(t, err, service.ErrForbidden)
}

func Test_remove_participant_admin_removes_anyone_and_the_removed_user_is_notified(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")
	f.pub.reset()

	updated, err := f.convs.RemoveParticipant(context.Background(), conv.ID, "alice", "carol")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, updated.ParticipantIDs)
	require.NotContains(t, updated.UnreadCounts, "carol")

	events := f.pub.byType(bus.EventRemovedFromGroup)
	require.Len(t, events, 1)
	require.Equal(t, bus.UserRoom("carol"), events[0].Room)
}

func Test_remove_participant_allows_self_leave_but_not_removing_others(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.group(t, "alice", "bob", "carol")

	_, err := f.convs.RemoveParticipant(ctx, conv.ID, "bob", "carol")
	require.ErrorIs(t, err, service.ErrForbidden)

	updated, err := f.convs.RemoveParticipant(ctx, conv.ID, "bob", "bob")
	require.NoError(t, err)
	require.NotContains(t, updated.ParticipantIDs, "bob")
}

func Test_the_last_admin_may_leave_the_group(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")

	updated, err := f.convs.RemoveParticipant(context.Background(), conv.ID, "alice", "alice")
	require.NoError(t, err)
	require.Empty(t, updated.AdminIDs)
	require.ElementsMatch(t, []string{"bob", "carol"}, updated.ParticipantIDs)
}

func Test_mark_read_zeroes_the_counter_and_announces_to_the_conversation_room(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.group(t, "alice", "bob", "carol")

	_, err := f.msgs.Send(ctx, "alice", service.SendMessageInput{
		ConversationID: conv.ID,
		Text:           "hello",
	})
	require.NoError(t, err)
	f.pub.reset()

	view, err := f.convs.Get(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, view.UnreadCount)

	require.NoError(t, f.convs.MarkRead(ctx, conv.ID, "bob"))

	view, err = f.convs.Get(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Zero(t, view.UnreadCount)

	events := f.pub.byType(bus.EventConversationRead)
	require.Len(t, events, 1)
	require.Equal(t, bus.ConversationRoom(conv.ID), events[0].Room)

	payload, ok := events[0].Payload.(bus.ConversationReadPayload)
	require.True(t, ok)
	require.Equal(t, "bob", payload.UserID)
}

func Test_mark_read_rejects_non_members(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, "alice", "bob", "carol")

	err := f.convs.MarkRead(context.Background(), conv.ID, "dave")
	require.ErrorIs(t, err, service.ErrNotFound)
}

func Test_list_orders_by_recent_activity_and_resolves_the_last_message(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	private, err := f.convs.Create(ctx, "alice", service.CreateConversationInput{
		Type:           model.ConversationPrivate,
		ParticipantIDs: []string{"bob"},
	})
	require.NoError(t, err)
	group := f.group(t, "alice", "bob", "carol")

	// Activity in the private conversation moves it ahead of the group.
	sent, err := f.msgs.Send(ctx, "bob", service.SendMessageInput{
		ConversationID: private.ID,
		Text:           "ping",
	})
	require.NoError(t, err)

	views, err := f.convs.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, private.ID, views[0].ID)
	require.Equal(t, group.ID, views[1].ID)

	require.NotNil(t, views[0].LastMessage)
	require.Equal(t, sent.ID, views[0].LastMessage.ID)
	require.Equal(t, 1, views[0].UnreadCount)

	// Carol is only in the group and must not see the private conversation.
	carolViews, err := f.convs.List(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, carolViews, 1)
}
