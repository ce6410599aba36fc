package ochat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nwizy11/ochat/internal/testbackend"
)

func newTestBackend(t *testing.T) *testbackend.Backend {
	t.Helper()
	b := testbackend.New()
	t.Cleanup(b.Close)
	b.AddLink("l1", "creator-secret")
	b.AddConversation(testbackend.Conversation{
		ID:     "c1",
		LinkID: "l1",
		Messages: []testbackend.Message{
			{ID: "m1", Text: "hello", Timestamp: 1000},
		},
	})
	return b
}

func newTestSession(t *testing.T, b *testbackend.Backend) *Session {
	t.Helper()
	s := NewSession(&SessionConfig{
		URL:                b.WSURL(),
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		ConnectTimeout:     time.Second,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func countType(types []string, typ string) int {
	n := 0
	for _, t := range types {
		if t == typ {
			n++
		}
	}
	return n
}

// ============================================================================
// Session
// ============================================================================

func TestSessionJoinAndLoad(t *testing.T) {
	b := newTestBackend(t)
	s := newTestSession(t, b)

	loaded := make(chan LoadMessagesPayload, 1)
	s.OnLoadMessages(func(p LoadMessagesPayload) { loaded <- p })
	connected := make(chan struct{}, 1)
	s.OnConnected(func() { connected <- struct{}{} })

	require.NoError(t, s.JoinConversation(context.Background(), "c1", false))
	s.Start(context.Background())

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	select {
	case p := <-loaded:
		require.Len(t, p.Messages, 1)
		assert.Equal(t, "hello", p.Messages[0].Text)
		assert.Equal(t, MessageID("m1"), p.Messages[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no load-messages")
	}
	assert.True(t, s.Connected())
}

func TestSessionEmitWhileDisconnected(t *testing.T) {
	s := NewSession(&SessionConfig{URL: "ws://127.0.0.1:1/ws"})
	err := s.Emit(context.Background(), EventTyping, TypingPayload{ConvID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSessionQueuedSendsFlushInOrderOnce(t *testing.T) {
	b := newTestBackend(t)
	b.SetOffline(true)
	s := newTestSession(t, b)

	var mu sync.Mutex
	var queued, flushed []string
	s.OnOutboxQueued(func(op OutboxOp) {
		mu.Lock()
		queued = append(queued, op.ID)
		mu.Unlock()
	})
	s.OnOutboxFlushed(func(op OutboxOp) {
		mu.Lock()
		flushed = append(flushed, op.ID)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, s.JoinConversation(ctx, "c1", false))
	s.Start(ctx)

	for _, text := range []string{"one", "two", "three"} {
		q, err := s.Deliver(ctx, OutboxOp{
			ID:      text,
			Event:   EventSendMessage,
			Payload: SendMessagePayload{ConvID: "c1", Message: text},
		})
		require.NoError(t, err)
		assert.True(t, q)
	}
	assert.Equal(t, 3, s.Pending())

	b.SetOffline(false)

	require.Eventually(t, func() bool {
		conv, _ := b.Conversation("c1")
		return len(conv.Messages) == 4
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)

	conv, _ := b.Conversation("c1")
	var got []string
	for _, m := range conv.Messages[1:] {
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Zero(t, s.Pending())

	types := b.ReceivedTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, EventJoinConversation, types[0], "rooms are rejoined before the replay")
	assert.Equal(t, 3, countType(types, EventSendMessage))

	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, queued)
	assert.Equal(t, []string{"one", "two", "three"}, flushed)
	mu.Unlock()

	q, err := s.Deliver(ctx, OutboxOp{Event: EventSendMessage, Payload: SendMessagePayload{ConvID: "c1", Message: "four"}})
	require.NoError(t, err)
	assert.False(t, q)
}

func TestSessionRejoinsAfterDrop(t *testing.T) {
	b := newTestBackend(t)
	s := newTestSession(t, b)
	ctx := context.Background()

	var mu sync.Mutex
	reconnecting, connects := 0, 0
	s.OnReconnecting(func(int, time.Duration) {
		mu.Lock()
		reconnecting++
		mu.Unlock()
	})
	s.OnConnected(func() {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	connectedTimes := func(n int) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return connects == n
		}
	}

	require.NoError(t, s.JoinLink(ctx, "l1", "creator-secret"))
	require.NoError(t, s.JoinConversation(ctx, "c1", true))
	s.Start(ctx)
	require.Eventually(t, connectedTimes(1), 5*time.Second, 10*time.Millisecond)

	b.DropConnections()

	require.Eventually(t, connectedTimes(2), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		types := b.ReceivedTypes()
		return countType(types, EventJoinLink) == 2 && countType(types, EventJoinConversation) == 2
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.GreaterOrEqual(t, reconnecting, 1)
	mu.Unlock()

	s.LeaveConversation()
	s.LeaveLink()
	b.DropConnections()

	require.Eventually(t, connectedTimes(3), 5*time.Second, 10*time.Millisecond)
	types := b.ReceivedTypes()
	assert.Equal(t, 2, countType(types, EventJoinLink))
	assert.Equal(t, 2, countType(types, EventJoinConversation))
}

func TestSessionDispatchOrder(t *testing.T) {
	b := newTestBackend(t)
	s := newTestSession(t, b)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	s.OnNewMessage(func(p NewMessagePayload) {
		mu.Lock()
		got = append(got, p.Message.Text)
		mu.Unlock()
	})
	generic := make(chan string, 8)
	s.On(EventNewMessage, func(eventType string, _ json.RawMessage) { generic <- eventType })

	loaded := make(chan struct{}, 1)
	s.OnLoadMessages(func(LoadMessagesPayload) { loaded <- struct{}{} })
	require.NoError(t, s.JoinConversation(ctx, "c1", true))
	s.Start(ctx)
	<-loaded

	for _, text := range []string{"a", "b", "c", "d"} {
		b.Post("c1", text, false)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	mu.Unlock()
	assert.Equal(t, EventNewMessage, <-generic)
}

func TestSessionDropsSupersededLoad(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, cfg *SessionConfig) (*testbackend.Backend, *Session, func() [][]string) {
		b := newTestBackend(t)
		b.AddConversation(testbackend.Conversation{
			ID:       "c2",
			LinkID:   "l1",
			Messages: []testbackend.Message{{ID: "m2", Text: "other", Timestamp: 2000}},
		})
		cfg.URL = b.WSURL()
		s := NewSession(cfg)
		t.Cleanup(func() { s.Close() })

		var mu sync.Mutex
		var loads [][]string
		s.OnLoadMessages(func(p LoadMessagesPayload) {
			mu.Lock()
			loads = append(loads, texts(p.Messages))
			mu.Unlock()
		})
		s.Start(ctx)
		require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)
		return b, s, func() [][]string {
			mu.Lock()
			defer mu.Unlock()
			return append([][]string(nil), loads...)
		}
	}
	joinsSeen := func(b *testbackend.Backend, n int) func() bool {
		return func() bool { return countType(b.ReceivedTypes(), EventJoinConversation) == n }
	}

	t.Run("switch before the reply", func(t *testing.T) {
		b, s, loads := setup(t, &SessionConfig{})
		b.HoldReplies()

		require.NoError(t, s.JoinConversation(ctx, "c1", false))
		require.NoError(t, s.JoinConversation(ctx, "c2", false))
		require.Eventually(t, joinsSeen(b, 2), 5*time.Second, 10*time.Millisecond)
		b.ReleaseReplies()

		require.Eventually(t, func() bool { return len(loads()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, [][]string{{"other"}}, loads(), "c1's reply arrives first and is dropped")
	})

	t.Run("rejoining the same room keeps the last reply", func(t *testing.T) {
		b, s, loads := setup(t, &SessionConfig{})
		b.HoldReplies()

		require.NoError(t, s.JoinConversation(ctx, "c1", false))
		require.NoError(t, s.JoinConversation(ctx, "c1", false))
		require.Eventually(t, joinsSeen(b, 2), 5*time.Second, 10*time.Millisecond)
		b.ReleaseReplies()

		require.Eventually(t, func() bool { return len(loads()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, [][]string{{"hello"}}, loads())
	})

	t.Run("left room", func(t *testing.T) {
		b, s, loads := setup(t, &SessionConfig{})
		b.HoldReplies()

		require.NoError(t, s.JoinConversation(ctx, "c1", false))
		require.Eventually(t, joinsSeen(b, 1), 5*time.Second, 10*time.Millisecond)
		s.LeaveConversation()
		b.ReleaseReplies()
		require.NoError(t, s.JoinConversation(ctx, "c2", false))

		require.Eventually(t, func() bool { return len(loads()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, [][]string{{"other"}}, loads())
	})

	t.Run("unanswered join does not block later replies", func(t *testing.T) {
		b, s, loads := setup(t, &SessionConfig{JoinReplyTimeout: 20 * time.Millisecond})

		require.NoError(t, s.JoinConversation(ctx, "missing", false))
		require.Eventually(t, joinsSeen(b, 1), 5*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, s.JoinConversation(ctx, "c2", false))

		require.Eventually(t, func() bool { return len(loads()) == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, [][]string{{"other"}}, loads())
	})
}

func TestSessionOutboxHandlersMaySend(t *testing.T) {
	b := newTestBackend(t)
	b.SetOffline(true)
	s := newTestSession(t, b)
	ctx := context.Background()

	queuedDone := make(chan error, 1)
	s.OnOutboxQueued(func(op OutboxOp) {
		queuedDone <- s.Emit(ctx, EventTyping, TypingPayload{ConvID: "c1"})
	})
	flushedDone := make(chan error, 1)
	s.OnOutboxFlushed(func(op OutboxOp) {
		_, err := s.Deliver(ctx, OutboxOp{
			Event:   EventSendMessage,
			Payload: SendMessagePayload{ConvID: "c1", Message: "follow-up"},
		})
		flushedDone <- err
	})

	require.NoError(t, s.JoinConversation(ctx, "c1", false))
	s.Start(ctx)
	_, err := s.Deliver(ctx, OutboxOp{Event: EventSendMessage, Payload: SendMessagePayload{ConvID: "c1", Message: "first"}})
	require.NoError(t, err)

	select {
	case err := <-queuedDone:
		assert.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("queued handler blocked")
	}

	b.SetOffline(false)
	select {
	case err := <-flushedDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flushed handler blocked")
	}

	require.Eventually(t, func() bool {
		conv, _ := b.Conversation("c1")
		return len(conv.Messages) == 3
	}, 5*time.Second, 10*time.Millisecond)
	conv, _ := b.Conversation("c1")
	assert.Equal(t, "first", conv.Messages[1].Text)
	assert.Equal(t, "follow-up", conv.Messages[2].Text)
}

func TestSessionClose(t *testing.T) {
	b := newTestBackend(t)
	s := newTestSession(t, b)
	s.Start(context.Background())
	require.Eventually(t, s.Connected, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())

	assert.Equal(t, StateDisconnected, s.State())
	assert.Eventually(t, func() bool { return b.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnector(t *testing.T) {
	cfg := &SessionConfig{MaxReconnectAttempts: 3}
	cfg.defaults()

	t.Run("delays grow and are capped", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 6; i++ {
			d := r.nextDelay()
			assert.GreaterOrEqual(t, d, cfg.ReconnectBaseDelay)
			assert.LessOrEqual(t, d, cfg.ReconnectMaxDelay)
		}
		assert.Equal(t, cfg.ReconnectMaxDelay, r.nextDelay())
	})

	t.Run("max attempts", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 3; i++ {
			require.True(t, r.shouldReconnect())
			r.nextDelay()
		}
		assert.False(t, r.shouldReconnect())

		r.reset()
		assert.True(t, r.shouldReconnect())
	})

	t.Run("unlimited", func(t *testing.T) {
		r := newReconnector(&SessionConfig{})
		r.attempt = 1000
		assert.True(t, r.shouldReconnect())
	})

	t.Run("stable connection resets backoff", func(t *testing.T) {
		r := newReconnector(cfg)
		r.nextDelay()
		r.nextDelay()
		r.connectedAt = time.Now().Add(-2 * cfg.StableAfter)

		d := r.nextDelay()

		assert.Less(t, d, 2*cfg.ReconnectBaseDelay)
		assert.Equal(t, 1, r.attempt)
	})
}
