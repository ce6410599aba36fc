package ochat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Well-known cache keys. They match the keys used by the browser client so a
// shared store stays readable by both.
const (
	KeyLinks              = "my_chat_links"
	KeyChatHistory        = "my_chat_history"
	KeyReadStatus         = "chat_read_status"
	conversationKeyPrefix = "conversation_"
)

const (
	MaxLinks       = 10
	MaxChatHistory = 20
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Namespace is prepended to every key.
	Namespace string
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// Cache is the typed, fail-soft view over a Storage. No method returns an
// error: decode, encode and backend failures are logged and read as "no
// cached value".
type Cache struct {
	store     Storage
	namespace string
	logger    zerolog.Logger
	now       func() time.Time

	// serializes read-modify-write of list and map keys
	mu sync.Mutex
}

// NewCache creates a cache over store.
func NewCache(store Storage, opts *CacheOptions) *Cache {
	c := &Cache{
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	if opts != nil {
		c.namespace = opts.Namespace
		if opts.Logger != nil {
			c.logger = *opts.Logger
		}
		if opts.Now != nil {
			c.now = opts.Now
		}
	}
	return c
}

func (c *Cache) key(name string) string {
	return c.namespace + name
}

// ============================================================================
// Raw access
// ============================================================================

// Get decodes the value stored under name into v. It reports whether a value
// was found and decoded.
func (c *Cache) Get(name string, v any) bool {
	data, err := c.store.Get(c.key(name))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.logger.Warn().Err(err).Str("key", name).Msg("cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn().Err(err).Str("key", name).Msg("cache entry unreadable")
		return false
	}
	return true
}

// Set encodes v and stores it under name.
func (c *Cache) Set(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", name).Msg("cache encode failed")
		return
	}
	if err := c.store.Set(c.key(name), data); err != nil {
		c.logger.Warn().Err(err).Str("key", name).Msg("cache write failed")
	}
}

// Remove deletes the value stored under name.
func (c *Cache) Remove(name string) {
	if err := c.store.Remove(c.key(name)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		c.logger.Warn().Err(err).Str("key", name).Msg("cache remove failed")
	}
}

// ============================================================================
// Links
// ============================================================================

// Links returns the creator's links, most recent first.
func (c *Cache) Links() []Link {
	var links []Link
	c.Get(KeyLinks, &links)
	return links
}

// FindLink returns the cached link with the given id.
func (c *Cache) FindLink(linkID string) (Link, bool) {
	for _, l := range c.Links() {
		if l.LinkID == linkID {
			return l, true
		}
	}
	return Link{}, false
}

// SaveLink records a link this client created. Known links are left in place.
func (c *Cache) SaveLink(link Link) {
	c.mu.Lock()
	defer c.mu.Unlock()

	links := c.Links()
	for _, l := range links {
		if l.LinkID == link.LinkID {
			return
		}
	}
	if link.CreatedAt == 0 {
		link.CreatedAt = TimestampOf(c.now())
	}
	links = append([]Link{link}, links...)
	if len(links) > MaxLinks {
		links = links[:MaxLinks]
	}
	c.Set(KeyLinks, links)
}

// RemoveLink forgets a link.
func (c *Cache) RemoveLink(linkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	links := c.Links()
	kept := links[:0]
	for _, l := range links {
		if l.LinkID != linkID {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(links) {
		return
	}
	c.Set(KeyLinks, kept)
}

// ============================================================================
// Chat history
// ============================================================================

// ChatHistory returns the anonymous participant's conversations, most
// recently active first.
func (c *Cache) ChatHistory() []ChatHistoryEntry {
	var history []ChatHistoryEntry
	c.Get(KeyChatHistory, &history)
	return history
}

// FindChatHistory returns the history entry for a link.
func (c *Cache) FindChatHistory(linkID string) (ChatHistoryEntry, bool) {
	for _, h := range c.ChatHistory() {
		if h.LinkID == linkID {
			return h, true
		}
	}
	return ChatHistoryEntry{}, false
}

// SaveChatHistory upserts the entry for linkID and moves it to the front.
// Entries pushed past MaxChatHistory are evicted together with their
// conversation snapshots.
func (c *Cache) SaveChatHistory(linkID, convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := TimestampOf(c.now())
	entry := ChatHistoryEntry{LinkID: linkID, ConvID: convID, JoinedAt: now, LastActive: now}

	history := c.ChatHistory()
	rest := make([]ChatHistoryEntry, 0, len(history))
	for _, h := range history {
		if h.LinkID == linkID {
			entry.JoinedAt = h.JoinedAt
			if h.ConvID != convID {
				c.Remove(conversationKeyPrefix + h.ConvID)
			}
			continue
		}
		rest = append(rest, h)
	}
	c.writeHistory(append([]ChatHistoryEntry{entry}, rest...))
}

// TouchChatHistory marks the entry for convID as active now.
func (c *Cache) TouchChatHistory(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.ChatHistory()
	for i, h := range history {
		if h.ConvID != convID {
			continue
		}
		h.LastActive = TimestampOf(c.now())
		copy(history[1:i+1], history[:i])
		history[0] = h
		c.Set(KeyChatHistory, history)
		return
	}
}

// RemoveChatHistory drops the entry for convID and its snapshot.
func (c *Cache) RemoveChatHistory(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.ChatHistory()
	kept := history[:0]
	for _, h := range history {
		if h.ConvID != convID {
			kept = append(kept, h)
		}
	}
	c.Set(KeyChatHistory, kept)
	c.Remove(conversationKeyPrefix + convID)
}

func (c *Cache) writeHistory(history []ChatHistoryEntry) {
	if len(history) > MaxChatHistory {
		for _, h := range history[MaxChatHistory:] {
			c.Remove(conversationKeyPrefix + h.ConvID)
		}
		history = history[:MaxChatHistory]
	}
	c.Set(KeyChatHistory, history)
}

// ============================================================================
// Read markers
// ============================================================================

func (c *Cache) readStatus() map[string]ReadMarker {
	status := map[string]ReadMarker{}
	if !c.Get(KeyReadStatus, &status) || status == nil {
		return map[string]ReadMarker{}
	}
	return status
}

// ReadMarker returns the marker stored for convID. A negative count is
// treated as no marker.
func (c *Cache) ReadMarker(convID string) (ReadMarker, bool) {
	m, ok := c.readStatus()[convID]
	if !ok {
		return ReadMarker{}, false
	}
	if m.ReadUpToMessageCount < 0 {
		c.logger.Warn().Str("conv", convID).Int("count", m.ReadUpToMessageCount).Msg("ignoring corrupt read marker")
		return ReadMarker{}, false
	}
	m.ConvID = convID
	return m, true
}

// PutReadMarker stores m, replacing any previous marker.
func (c *Cache) PutReadMarker(m ReadMarker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.readStatus()
	status[m.ConvID] = m
	c.Set(KeyReadStatus, status)
}

// ============================================================================
// Conversation snapshots
// ============================================================================

// Conversation returns the cached snapshot of convID.
func (c *Cache) Conversation(convID string) (Conversation, bool) {
	var conv Conversation
	if !c.Get(conversationKeyPrefix+convID, &conv) {
		return Conversation{}, false
	}
	if conv.ID == "" {
		conv.ID = convID
	}
	return conv, true
}

// PutConversation stores a snapshot of conv. Message status is not persisted.
func (c *Cache) PutConversation(conv Conversation) {
	c.Set(conversationKeyPrefix+conv.ID, conv)
}

// RemoveConversation deletes the snapshot of convID.
func (c *Cache) RemoveConversation(convID string) {
	c.Remove(conversationKeyPrefix + convID)
}
