package ochat

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nwizy11/ochat/internal/testbackend"
)

func newTestMessenger(t *testing.T, b *testbackend.Backend, store Storage) *Messenger {
	t.Helper()
	if store == nil {
		store = NewMemoryStorage()
	}
	m := New(Options{
		BaseURL: b.URL(),
		Storage: store,
		Session: &SessionConfig{
			ReconnectBaseDelay: 10 * time.Millisecond,
			ReconnectMaxDelay:  50 * time.Millisecond,
			ConnectTimeout:     time.Second,
		},
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func waitConnected(t *testing.T, m *Messenger) {
	t.Helper()
	require.Eventually(t, m.Session().Connected, 5*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Anonymous party
// ============================================================================

func TestMessengerJoinLink(t *testing.T) {
	ctx := context.Background()

	t.Run("new conversation", func(t *testing.T) {
		b := newTestBackend(t)
		m := newTestMessenger(t, b, nil)

		conv, err := m.JoinLink(ctx, "l1")

		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)
		assert.Equal(t, ModeChat, m.Mode())
		h, ok := m.Cache().FindChatHistory("l1")
		require.True(t, ok)
		assert.Equal(t, conv.ID, h.ConvID)
		assert.False(t, m.Engine().IsCreator())
	})

	t.Run("resumes the recorded conversation", func(t *testing.T) {
		b := newTestBackend(t)
		store := NewMemoryStorage()
		first, err := newTestMessenger(t, b, store).JoinLink(ctx, "l1")
		require.NoError(t, err)

		again, err := newTestMessenger(t, b, store).JoinLink(ctx, "l1")

		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		list, _ := NewClient(WithBaseURL(b.URL())).Links.Conversations(ctx, "l1")
		assert.Len(t, list, 2, "c1 and the one conversation created")
	})

	t.Run("lost conversation is replaced", func(t *testing.T) {
		b := newTestBackend(t)
		m := newTestMessenger(t, b, nil)
		m.Cache().SaveChatHistory("l1", "vanished")
		m.Cache().PutConversation(Conversation{ID: "vanished", Messages: []Message{msg("old", false, 1000)}})

		conv, err := m.JoinLink(ctx, "l1")

		require.NoError(t, err)
		assert.NotEqual(t, "vanished", conv.ID)
		assert.Empty(t, conv.Messages)
		_, ok := m.Cache().Conversation("vanished")
		assert.False(t, ok)
	})

	t.Run("unknown link", func(t *testing.T) {
		b := newTestBackend(t)
		m := newTestMessenger(t, b, nil)

		_, err := m.JoinLink(ctx, "nope")

		assert.ErrorIs(t, err, ErrLinkNotFound)
		assert.Equal(t, ModeHome, m.Mode())
		assert.Empty(t, m.Cache().ChatHistory())
	})
}

func TestMessengerSendRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	b.EchoSkew = 1500 * time.Millisecond
	m := newTestMessenger(t, b, nil)

	conv, err := m.JoinLink(ctx, "l1")
	require.NoError(t, err)
	m.Start(ctx)
	waitConnected(t, m)

	local, err := m.Send(ctx, SendOptions{Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, StatusOptimistic, local.Status)

	require.Eventually(t, func() bool {
		msgs := activeMessages(m.Engine())
		return len(msgs) == 1 && msgs[0].Status == StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	stored, _ := b.Conversation(conv.ID)
	require.Len(t, stored.Messages, 1)
	got := activeMessages(m.Engine())[0]
	assert.Equal(t, MessageID(stored.Messages[0].ID), got.ID)
	assert.Equal(t, Timestamp(stored.Messages[0].Timestamp), got.Timestamp)
}

func TestMessengerOfflineSend(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	b.SetOffline(true)
	m := newTestMessenger(t, b, nil)

	conv, err := m.JoinLink(ctx, "l1")
	require.NoError(t, err)
	m.Start(ctx)

	first, err := m.Send(ctx, SendOptions{Text: "yo"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	_, err = m.Send(ctx, SendOptions{Text: "still there?"})
	require.NoError(t, err)
	msgs := activeMessages(m.Engine())
	require.Len(t, msgs, 2)
	assert.Equal(t, StatusPending, msgs[0].Status)

	b.SetOffline(false)

	require.Eventually(t, func() bool {
		msgs := activeMessages(m.Engine())
		return len(msgs) == 2 && msgs[0].Status == StatusConfirmed && msgs[1].Status == StatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	stored, _ := b.Conversation(conv.ID)
	require.Len(t, stored.Messages, 2, "each queued send transmitted once")
	assert.Equal(t, "yo", stored.Messages[0].Text)
	assert.Equal(t, "still there?", stored.Messages[1].Text)
}

func TestMessengerSwitchDropsSupersededLoad(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	b.AddConversation(testbackend.Conversation{
		ID:       "c2",
		LinkID:   "l1",
		Messages: []testbackend.Message{{ID: "m2", Text: "other", Timestamp: 2000}},
	})
	m := newTestMessenger(t, b, nil)
	loads := make(chan struct{}, 4)
	m.Session().OnLoadMessages(func(LoadMessagesPayload) { loads <- struct{}{} })
	m.Start(ctx)
	waitConnected(t, m)

	b.HoldReplies()
	require.NoError(t, m.OpenConversation(ctx, "c1"))
	require.NoError(t, m.OpenConversation(ctx, "c2"))
	require.Eventually(t, func() bool {
		return countType(b.ReceivedTypes(), EventJoinConversation) == 2
	}, 5*time.Second, 10*time.Millisecond)
	b.ReleaseReplies()

	select {
	case <-loads:
	case <-time.After(5 * time.Second):
		t.Fatal("c2 history never delivered")
	}

	assert.Equal(t, []string{"other"}, texts(activeMessages(m.Engine())))
	cached, ok := m.Cache().Conversation("c2")
	require.True(t, ok)
	assert.Equal(t, []string{"other"}, texts(cached.Messages))
	c1, _ := m.Cache().Conversation("c1")
	assert.Equal(t, []string{"hello"}, texts(c1.Messages))
}

// ============================================================================
// Creator
// ============================================================================

func TestMessengerCreatorInbox(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	creator := newTestMessenger(t, b, nil)
	listed := make(chan struct{}, 4)
	creator.Session().On(EventLoadConversations, func(string, json.RawMessage) { listed <- struct{}{} })
	creator.Start(ctx)

	link, err := creator.CreateLink(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModeCreator, creator.Mode())
	_, cached := creator.Cache().FindLink(link.LinkID)
	assert.True(t, cached)
	assert.Equal(t, "https://example.org/?link="+link.LinkID, creator.ShareURL("https://example.org/"))
	assert.Equal(t, "https://example.org/?creator="+link.LinkID, creator.CreatorURL("https://example.org"))

	select {
	case <-listed:
	case <-time.After(5 * time.Second):
		t.Fatal("link room never joined")
	}

	anon := newTestMessenger(t, b, nil)
	conv, err := anon.JoinLink(ctx, link.LinkID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(creator.Engine().Conversations()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, creator.Engine().TotalUnread())

	anon.Start(ctx)
	waitConnected(t, anon)
	_, err = anon.Send(ctx, SendOptions{Text: "psst"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return creator.Engine().TotalUnread() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, creator.OpenConversation(ctx, conv.ID))
	assert.Zero(t, creator.Engine().TotalUnread())
	assert.Equal(t, []string{"psst"}, texts(activeMessages(creator.Engine())))

	waitConnected(t, creator)
	_, err = creator.Send(ctx, SendOptions{Text: "who is this"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(activeMessages(anon.Engine())) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"psst", "who is this"}, texts(activeMessages(anon.Engine())))
	assert.Zero(t, creator.Engine().TotalUnread())

	creator.Back()
	assert.Equal(t, ModeCreator, creator.Mode())
}

func TestMessengerOpenLink(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	m := newTestMessenger(t, b, nil)

	t.Run("not ours", func(t *testing.T) {
		assert.ErrorIs(t, m.OpenLink(ctx, "l1"), ErrNotOwner)
	})

	t.Run("expired link is forgotten", func(t *testing.T) {
		m.Cache().SaveLink(Link{LinkID: "expired", CreatorID: "x"})

		err := m.OpenLink(ctx, "expired")

		assert.ErrorIs(t, err, ErrLinkNotFound)
		_, ok := m.Cache().FindLink("expired")
		assert.False(t, ok)
	})

	t.Run("valid", func(t *testing.T) {
		m.Cache().SaveLink(Link{LinkID: "l1", CreatorID: "creator-secret"})

		require.NoError(t, m.OpenLink(ctx, "l1"))

		assert.Equal(t, ModeCreator, m.Mode())
		require.Len(t, m.Engine().Conversations(), 1)
		assert.Equal(t, 1, m.Engine().TotalUnread())
		link, ok := m.Link()
		require.True(t, ok)
		assert.Equal(t, "creator-secret", link.CreatorID)
	})
}

func TestMessengerResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("link", func(t *testing.T) {
		m := newTestMessenger(t, newTestBackend(t), nil)
		mode, err := m.Resolve(ctx, url.Values{"link": {"l1"}})
		require.NoError(t, err)
		assert.Equal(t, ModeChat, mode)
	})

	t.Run("creator", func(t *testing.T) {
		m := newTestMessenger(t, newTestBackend(t), nil)
		m.Cache().SaveLink(Link{LinkID: "l1", CreatorID: "creator-secret"})

		mode, err := m.Resolve(ctx, url.Values{"creator": {"l1"}})

		require.NoError(t, err)
		assert.Equal(t, ModeCreator, mode)
		link, _ := m.Link()
		assert.Equal(t, "creator-secret", link.CreatorID)
	})

	t.Run("bad creator link goes home", func(t *testing.T) {
		m := newTestMessenger(t, newTestBackend(t), nil)
		m.Cache().SaveLink(Link{LinkID: "nope", CreatorID: "x"})

		mode, err := m.Resolve(ctx, url.Values{"creator": {"nope"}})

		assert.ErrorIs(t, err, ErrLinkNotFound)
		assert.Equal(t, ModeHome, mode)
		assert.Equal(t, ModeHome, m.Mode())
		_, cached := m.Cache().FindLink("nope")
		assert.False(t, cached, "expired link is forgotten")
	})

	t.Run("nothing", func(t *testing.T) {
		m := newTestMessenger(t, newTestBackend(t), nil)
		mode, err := m.Resolve(ctx, url.Values{})
		require.NoError(t, err)
		assert.Equal(t, ModeHome, mode)
	})
}
