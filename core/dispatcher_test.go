package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingMessageStore fails every write.
type failingMessageStore struct {
	MessageStore
}

func (failingMessageStore) CreateMessage(context.Context, MessageCreateInput) (*Message, error) {
	return nil, errors.New("disk I/O error")
}

func TestSendDirectMessage(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	a, b, c := ids[0], ids[1], ids[2]

	sa, sa2 := f.connect(a), f.connect(a)
	sb, sc := f.connect(b), f.connect(c)

	id, err := f.dispatcher.Send(f.ctx, a, SendInput{ChatType: UserChat, ChatID: b, Content: " hi "})
	require.NoError(t, err)
	require.NotZero(t, id)

	for _, s := range []*fakeSession{sb, sa, sa2} {
		events := s.Events(NewMessageEvent)
		require.Len(t, events, 1, "session of user %d", s.UserID())
		p := decodePayload[NewMessagePayload](t, events[0])
		assert.Equal(t, id, p.ID)
		assert.Equal(t, "hi", p.Content)
		assert.Equal(t, TextMessage, p.Type)
		assert.Equal(t, a, p.Sender.ID)
		assert.Equal(t, alice.Name, p.Sender.Name)
		assert.Equal(t, alice.Username, p.Sender.Username)
		assert.Equal(t, DefaultAvatar, p.Sender.Avatar)
		assert.Equal(t, UserChat, p.ChatType)
		assert.Equal(t, b, p.ChatID)
	}
	assert.Empty(t, sc.Events(NewMessageEvent))

	m, err := f.chatStore.GetMessage(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "hi", m.Content)
}

func TestSendToOfflineUserIsPersisted(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob)

	id, err := f.dispatcher.Send(f.ctx, ids[0], SendInput{ChatType: UserChat, ChatID: ids[1], Content: "later"})
	require.NoError(t, err)

	messages, err := f.chatStore.GetMessages(f.ctx, ids[1], UserChat, ids[0], 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, id, messages[0].ID)
	assert.Equal(t, Sent, messages[0].Status)
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	a, b, c := ids[0], ids[1], ids[2]
	g := seedGroup(f.ctx, t, f.chatStore, 0, a, b)
	sb := f.connect(b)
	sb.Reset()

	tests := []struct {
		name string
		from int64
		in   SendInput
		err  error
	}{
		{"empty text", a, SendInput{ChatType: UserChat, ChatID: b, Content: "   "}, ErrInvalidMessage},
		{"empty text with explicit type", a, SendInput{ChatType: UserChat, ChatID: b, Type: TextMessage}, ErrInvalidMessage},
		{"unknown recipient", a, SendInput{ChatType: UserChat, ChatID: 9999, Content: "hi"}, ErrInvalidUser},
		{"not a group member", c, SendInput{ChatType: GroupChat, ChatID: g, Content: "hi"}, ErrNotMember},
		{"unknown chat type", a, SendInput{ChatType: "channel", ChatID: g, Content: "hi"}, ErrInvalidRoom},
		{"unknown message type", a, SendInput{ChatType: UserChat, ChatID: b, Content: "hi", Type: "sticker"}, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.dispatcher.Send(f.ctx, tt.from, tt.in)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Empty(t, sb.Events(NewMessageEvent))
	messages, err := f.chatStore.GetMessages(f.ctx, b, UserChat, a, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendFileMessageWithoutContent(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob)
	sb := f.connect(ids[1])

	file := &FileData{URL: "/uploads/a.png", Name: "a.png", Size: "1KB"}
	_, err := f.dispatcher.Send(f.ctx, ids[0], SendInput{ChatType: UserChat, ChatID: ids[1], Type: ImageMessage, File: file})
	require.NoError(t, err)

	events := sb.Events(NewMessageEvent)
	require.Len(t, events, 1)
	p := decodePayload[NewMessagePayload](t, events[0])
	assert.Equal(t, ImageMessage, p.Type)
	require.NotNil(t, p.File)
	assert.Equal(t, *file, *p.File)
}

func TestSendGroupMessage(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	a, b, c := ids[0], ids[1], ids[2]
	g := seedGroup(f.ctx, t, f.chatStore, 0, a, b)

	sa, sb, sc := f.connect(a), f.connect(b), f.connect(c)

	id, err := f.dispatcher.Send(f.ctx, b, SendInput{ChatType: GroupChat, ChatID: g, Content: "hello group"})
	require.NoError(t, err)

	for _, s := range []*fakeSession{sa, sb} {
		events := s.Events(NewMessageEvent)
		require.Len(t, events, 1)
		p := decodePayload[NewMessagePayload](t, events[0])
		assert.Equal(t, id, p.ID)
		assert.Equal(t, GroupChat, p.ChatType)
		assert.Equal(t, g, p.ChatID)
		assert.Equal(t, b, p.Sender.ID)
	}
	assert.Empty(t, sc.Events(NewMessageEvent))
}

func TestSendPersistenceFailure(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob)
	sa, sb := f.connect(ids[0]), f.connect(ids[1])

	d := NewDispatcher(failingMessageStore{f.chatStore}, f.chatStore, f.userStore, f.identities, f.rooms, f.logger)
	_, err := d.Send(f.ctx, ids[0], SendInput{ChatType: UserChat, ChatID: ids[1], Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, "internal error", ClientMessage(err))

	assert.Empty(t, sa.Events(NewMessageEvent))
	assert.Empty(t, sb.Events(NewMessageEvent))
}

func TestSendKeepsRoomOrder(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	g := seedGroup(f.ctx, t, f.chatStore, 0, ids...)
	observer := f.connect(ids[2])

	var wg sync.WaitGroup
	for _, sender := range ids[:2] {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := f.dispatcher.Send(f.ctx, sender, SendInput{
					ChatType: GroupChat, ChatID: g, Content: fmt.Sprintf("%d-%d", sender, i),
				})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	events := observer.Events(NewMessageEvent)
	require.Len(t, events, 20)
	var last int64
	for _, e := range events {
		p := decodePayload[NewMessagePayload](t, e)
		assert.Greater(t, p.ID, last, "messages arrive in persistence order")
		last = p.ID
	}
}

func TestAnnounce(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	a, b, c := ids[0], ids[1], ids[2]

	community, err := f.chatStore.CreateCommunity(f.ctx, "community", a)
	require.NoError(t, err)
	g1 := seedGroup(f.ctx, t, f.chatStore, community, a, b)
	g2 := seedGroup(f.ctx, t, f.chatStore, community, a, c)
	outside := seedGroup(f.ctx, t, f.chatStore, 0, a, b, c)

	sb, sc := f.connect(b), f.connect(c)

	messageIDs, err := f.dispatcher.Announce(f.ctx, a, "alert", community)
	require.NoError(t, err)
	require.Len(t, messageIDs, 2)
	assert.NotEqual(t, messageIDs[0], messageIDs[1], "one message per group")

	eb := sb.Events(NewMessageEvent)
	require.Len(t, eb, 1)
	pb := decodePayload[NewMessagePayload](t, eb[0])
	assert.Equal(t, g1, pb.ChatID)
	assert.Equal(t, messageIDs[0], pb.ID)
	assert.Equal(t, AnnouncementMessage, pb.Type)
	assert.True(t, pb.IsAnnouncement)
	assert.Equal(t, "alert", pb.Content)

	ec := sc.Events(NewMessageEvent)
	require.Len(t, ec, 1)
	pc := decodePayload[NewMessagePayload](t, ec[0])
	assert.Equal(t, g2, pc.ChatID)
	assert.Equal(t, messageIDs[1], pc.ID)

	for i, g := range []int64{g1, g2} {
		messages, err := f.chatStore.GetMessages(f.ctx, a, GroupChat, g, 10)
		require.NoError(t, err)
		require.Len(t, messages, 1)
		assert.Equal(t, messageIDs[i], messages[0].ID)
		assert.True(t, messages[0].IsAnnouncement)
	}
	messages, err := f.chatStore.GetMessages(f.ctx, a, GroupChat, outside, 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestAnnounceEmptyContent(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice)

	_, err := f.dispatcher.Announce(f.ctx, ids[0], " ", 1)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNotifyTyping(t *testing.T) {
	f := NewEngineFixture(t)
	defer f.tearDown()
	ids := seedUsers(f.ctx, t, f.userStore, alice, bob, carol)
	a, b, c := ids[0], ids[1], ids[2]
	g := seedGroup(f.ctx, t, f.chatStore, 0, a, b)
	sa, sb, sc := f.connect(a), f.connect(b), f.connect(c)

	require.NoError(t, f.dispatcher.NotifyTyping(f.ctx, sa, UserChat, b, true))
	events := sb.Events(UserTypingEvent)
	require.Len(t, events, 1)
	p := decodePayload[TypingPayload](t, events[0])
	assert.Equal(t, a, p.User.ID)
	assert.Equal(t, alice.Name, p.User.Name)
	assert.Equal(t, UserChat, p.ChatType)
	assert.Equal(t, a, p.ChatID)
	assert.Empty(t, sa.Events(UserTypingEvent))

	require.NoError(t, f.dispatcher.NotifyTyping(f.ctx, sa, GroupChat, g, false))
	events = sb.Events(UserStopTypingEvent)
	require.Len(t, events, 1)
	assert.Equal(t, g, decodePayload[TypingPayload](t, events[0]).ChatID)
	assert.Empty(t, sa.Events(UserStopTypingEvent))

	assert.ErrorIs(t, f.dispatcher.NotifyTyping(f.ctx, sc, GroupChat, g, true), ErrNotMember)
	assert.ErrorIs(t, f.dispatcher.NotifyTyping(f.ctx, sc, ChatType("channel"), g, true), ErrInvalidRoom)
}
