package ochat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStorage fails every call.
type failingStorage struct{}

func (failingStorage) Get(string) ([]byte, error) { return nil, errors.New("disk on fire") }
func (failingStorage) Set(string, []byte) error   { return errors.New("quota exceeded") }
func (failingStorage) Remove(string) error        { return errors.New("disk on fire") }

func fixedClock(start time.Time) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func newTestCache(t *testing.T) (*Cache, *MemoryStorage) {
	t.Helper()
	store := NewMemoryStorage()
	return NewCache(store, &CacheOptions{Namespace: "test_", Now: fixedClock(time.UnixMilli(1_700_000_000_000))}), store
}

// ============================================================================
// Storage backends
// ============================================================================

func TestStorageBackends(t *testing.T) {
	backends := map[string]func(t *testing.T) Storage{
		"memory": func(t *testing.T) Storage { return NewMemoryStorage() },
		"pebble": func(t *testing.T) Storage {
			s, err := OpenPebbleStorage(t.TempDir())
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			_, err := s.Get("missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)

			require.NoError(t, s.Set("k", []byte("v1")))
			v, err := s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)

			require.NoError(t, s.Set("k", []byte("v2")))
			v, err = s.Get("k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), v)

			require.NoError(t, s.Remove("k"))
			_, err = s.Get("k")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestPebbleStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStorage(dir)
	require.NoError(t, err)

	c := NewCache(s, nil)
	c.PutConversation(Conversation{ID: "c1", Messages: []Message{msg("hi", false, 1000)}})
	require.NoError(t, s.Close())

	s, err = OpenPebbleStorage(dir)
	require.NoError(t, err)
	defer s.Close()

	conv, ok := NewCache(s, nil).Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"hi"}, texts(conv.Messages))
}

// ============================================================================
// Cache
// ============================================================================

func TestCacheFailSoft(t *testing.T) {
	c := NewCache(failingStorage{}, nil)

	var v map[string]any
	assert.False(t, c.Get("anything", &v))
	assert.NotPanics(t, func() {
		c.Set("anything", 1)
		c.Remove("anything")
		c.SaveLink(Link{LinkID: "l1"})
		c.PutReadMarker(ReadMarker{ConvID: "c1", ReadUpToMessageCount: 3})
	})
	assert.Empty(t, c.Links())
	_, ok := c.ReadMarker("c1")
	assert.False(t, ok)
}

func TestCacheCorruptEntry(t *testing.T) {
	c, store := newTestCache(t)
	require.NoError(t, store.Set("test_"+KeyLinks, []byte("{not json")))

	assert.Empty(t, c.Links())
	c.SaveLink(Link{LinkID: "l1"})
	assert.Len(t, c.Links(), 1)
}

func TestCacheNamespace(t *testing.T) {
	c, store := newTestCache(t)
	c.SaveLink(Link{LinkID: "l1"})

	_, err := store.Get("test_" + KeyLinks)
	assert.NoError(t, err)
	_, err = store.Get(KeyLinks)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCacheLinks(t *testing.T) {
	t.Run("most recent first and capped", func(t *testing.T) {
		c, _ := newTestCache(t)
		for i := 0; i < MaxLinks+3; i++ {
			c.SaveLink(Link{LinkID: fmt.Sprintf("l%d", i), CreatorID: "secret"})
		}

		links := c.Links()
		require.Len(t, links, MaxLinks)
		assert.Equal(t, fmt.Sprintf("l%d", MaxLinks+2), links[0].LinkID)
		assert.NotZero(t, links[0].CreatedAt)
	})

	t.Run("saving a known link keeps its place", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveLink(Link{LinkID: "a"})
		c.SaveLink(Link{LinkID: "b"})
		c.SaveLink(Link{LinkID: "a"})

		links := c.Links()
		require.Len(t, links, 2)
		assert.Equal(t, "b", links[0].LinkID)
	})

	t.Run("remove", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveLink(Link{LinkID: "a", CreatorID: "x"})
		c.SaveLink(Link{LinkID: "b"})

		c.RemoveLink("a")

		_, ok := c.FindLink("a")
		assert.False(t, ok)
		_, ok = c.FindLink("b")
		assert.True(t, ok)
	})
}

func TestCacheChatHistory(t *testing.T) {
	t.Run("upsert moves to front", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveChatHistory("l1", "c1")
		c.SaveChatHistory("l2", "c2")
		first, _ := c.FindChatHistory("l1")

		c.SaveChatHistory("l1", "c1")

		history := c.ChatHistory()
		require.Len(t, history, 2)
		assert.Equal(t, "l1", history[0].LinkID)
		assert.Equal(t, first.JoinedAt, history[0].JoinedAt)
		assert.Greater(t, history[0].LastActive, first.LastActive)
	})

	t.Run("replacing the conversation drops the old snapshot", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveChatHistory("l1", "old")
		c.PutConversation(Conversation{ID: "old"})

		c.SaveChatHistory("l1", "new")

		_, ok := c.Conversation("old")
		assert.False(t, ok)
		h, ok := c.FindChatHistory("l1")
		require.True(t, ok)
		assert.Equal(t, "new", h.ConvID)
	})

	t.Run("eviction past the cap drops snapshots", func(t *testing.T) {
		c, _ := newTestCache(t)
		for i := 0; i < MaxChatHistory+1; i++ {
			id := fmt.Sprintf("c%d", i)
			c.PutConversation(Conversation{ID: id})
			c.SaveChatHistory(fmt.Sprintf("l%d", i), id)
		}

		assert.Len(t, c.ChatHistory(), MaxChatHistory)
		_, ok := c.Conversation("c0")
		assert.False(t, ok, "evicted snapshot")
		_, ok = c.Conversation("c1")
		assert.True(t, ok)
	})

	t.Run("touch reorders", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveChatHistory("l1", "c1")
		c.SaveChatHistory("l2", "c2")
		c.SaveChatHistory("l3", "c3")

		c.TouchChatHistory("c1")

		history := c.ChatHistory()
		assert.Equal(t, []string{"c1", "c3", "c2"}, []string{history[0].ConvID, history[1].ConvID, history[2].ConvID})
	})

	t.Run("remove", func(t *testing.T) {
		c, _ := newTestCache(t)
		c.SaveChatHistory("l1", "c1")
		c.PutConversation(Conversation{ID: "c1"})

		c.RemoveChatHistory("c1")

		assert.Empty(t, c.ChatHistory())
		_, ok := c.Conversation("c1")
		assert.False(t, ok)
	})
}

func TestCacheConversationDropsStatus(t *testing.T) {
	c, _ := newTestCache(t)
	m := msg("queued", false, 1000)
	m.Status = StatusPending
	c.PutConversation(Conversation{ID: "c1", Messages: []Message{m}})

	conv, ok := c.Conversation("c1")

	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, StatusConfirmed, conv.Messages[0].Status)
}
