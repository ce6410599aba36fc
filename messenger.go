package ochat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotOwner is returned when opening a link this client did not create.
var ErrNotOwner = errors.New("link was not created by this client")

// Mode is the screen an application session is on.
type Mode string

const (
	ModeHome    Mode = "home"
	ModeCreator Mode = "creator"
	ModeChat    Mode = "chat"
)

// Options configures a Messenger.
type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL    string
	HTTPClient *http.Client
	// Storage defaults to an in-memory store.
	Storage   Storage
	Namespace string
	Logger    *zerolog.Logger
	Notifier  Notifier
	// Session overrides the event channel settings. An empty URL is derived
	// from BaseURL.
	Session *SessionConfig
	Now     func() time.Time
}

// ============================================================================
// Messenger
// ============================================================================

// Messenger is one application session: the REST client, the local cache,
// the event channel and the engine, wired together.
type Messenger struct {
	client  *Client
	cache   *Cache
	session *Session
	engine  *Engine
	logger  zerolog.Logger

	mu   sync.Mutex
	mode Mode
	link *Link
}

// New creates a Messenger. Call Start to connect the event channel.
func New(opts Options) *Messenger {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	clientOpts := []ClientOption{WithLogger(logger)}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(opts.HTTPClient))
	}
	client := NewClient(clientOpts...)

	store := opts.Storage
	if store == nil {
		store = NewMemoryStorage()
	}
	cache := NewCache(store, &CacheOptions{Namespace: opts.Namespace, Logger: &logger, Now: opts.Now})

	var sessCfg SessionConfig
	if opts.Session != nil {
		sessCfg = *opts.Session
	}
	if sessCfg.URL == "" {
		sessCfg.URL = client.RealtimeURL()
	}
	if sessCfg.Logger == nil {
		sessCfg.Logger = &logger
	}
	session := NewSession(&sessCfg)

	engine := NewEngine(&EngineConfig{
		Transport: session,
		Fetcher:   client.Conversations,
		Cache:     cache,
		Notifier:  opts.Notifier,
		Logger:    &logger,
		Now:       opts.Now,
	})

	m := &Messenger{
		client:  client,
		cache:   cache,
		session: session,
		engine:  engine,
		logger:  logger.With().Str("component", "messenger").Logger(),
		mode:    ModeHome,
	}
	m.wire()
	return m
}

func (m *Messenger) wire() {
	s, e := m.session, m.engine
	s.OnLoadMessages(func(p LoadMessagesPayload) { e.HandleLoadMessages(p.Messages) })
	s.OnNewMessage(func(p NewMessagePayload) { e.HandleNewMessage(p.ConvID, p.Message) })
	s.OnLoadConversations(func(p LoadConversationsPayload) {
		if m.Mode() == ModeCreator {
			e.HandleConversations(p.Conversations)
		}
	})
	s.OnNewConversation(func(p ConversationPayload) { e.HandleNewConversation(p.Conversation) })
	s.OnConversationUpdated(func(p ConversationPayload) { e.HandleConversationUpdated(p.Conversation) })
	s.OnUserTyping(e.HandlePeerTyping)
	s.OnUserStopTyping(func(UserTypingPayload) { e.HandlePeerStopTyping() })
	s.OnOutboxQueued(e.HandleQueued)
	s.OnOutboxFlushed(e.HandleFlushed)
}

// Client returns the REST client.
func (m *Messenger) Client() *Client { return m.client }

// Cache returns the local cache.
func (m *Messenger) Cache() *Cache { return m.cache }

// Session returns the event channel.
func (m *Messenger) Session() *Session { return m.session }

// Engine returns the reconciliation engine. Register UI handlers with
// Engine().On.
func (m *Messenger) Engine() *Engine { return m.engine }

// Mode returns the current screen.
func (m *Messenger) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Link returns the creator's current link, if any.
func (m *Messenger) Link() (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return Link{}, false
	}
	return *m.link, true
}

// Start connects the event channel in the background.
func (m *Messenger) Start(ctx context.Context) {
	m.session.Start(ctx)
}

// Close disconnects and releases the engine's timers.
func (m *Messenger) Close() error {
	err := m.session.Close()
	m.engine.Close()
	return err
}

// ============================================================================
// Creator flows
// ============================================================================

// CreateLink issues a new link and enters it as its creator.
func (m *Messenger) CreateLink(ctx context.Context) (Link, error) {
	res, err := m.client.Links.Create(ctx)
	if err != nil {
		return Link{}, err
	}
	link := Link{LinkID: res.LinkID, CreatorID: res.CreatorID, CreatedAt: TimestampOf(time.Now())}
	m.cache.SaveLink(link)
	m.logger.Info().Str("link", link.LinkID).Msg("link created")
	return link, m.enterCreator(ctx, link)
}

// OpenLink re-enters a link created by this client. A link the backend no
// longer knows is removed from the cache.
func (m *Messenger) OpenLink(ctx context.Context, linkID string) error {
	cached, ok := m.cache.FindLink(linkID)
	if !ok {
		return fmt.Errorf("open link %s: %w", linkID, ErrNotOwner)
	}
	if _, err := m.client.Links.Get(ctx, linkID); err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			m.cache.RemoveLink(linkID)
			m.logger.Info().Str("link", linkID).Msg("removed expired link")
		}
		return err
	}
	return m.enterCreator(ctx, cached)
}

// RestoreCreator enters linkID as its creator from a creator URL.
func (m *Messenger) RestoreCreator(ctx context.Context, linkID string) error {
	link, err := m.client.Links.Get(ctx, linkID)
	if err != nil {
		if errors.Is(err, ErrLinkNotFound) {
			m.cache.RemoveLink(linkID)
			m.logger.Info().Str("link", linkID).Msg("removed expired link")
		}
		m.Home()
		return err
	}
	if link.CreatorID == "" {
		if cached, ok := m.cache.FindLink(linkID); ok {
			link.CreatorID = cached.CreatorID
		}
	}
	if link.CreatedAt == 0 {
		link.CreatedAt = TimestampOf(time.Now())
	}
	m.cache.SaveLink(*link)
	return m.enterCreator(ctx, *link)
}

func (m *Messenger) enterCreator(ctx context.Context, link Link) error {
	m.engine.Leave()
	m.engine.SetRole(true)
	m.mu.Lock()
	m.mode = ModeCreator
	m.link = &link
	m.mu.Unlock()

	if err := m.session.JoinLink(ctx, link.LinkID, link.CreatorID); err != nil {
		m.logger.Warn().Err(err).Str("link", link.LinkID).Msg("join link failed")
	}
	convs, err := m.client.Links.Conversations(ctx, link.LinkID)
	if err != nil {
		return err
	}
	m.engine.HandleConversations(convs)
	return nil
}

// OpenConversation opens one of the creator's conversations.
func (m *Messenger) OpenConversation(ctx context.Context, convID string) error {
	return m.engine.OpenConversation(ctx, convID)
}

// ShareURL returns the URL the creator hands out, or "" without a link.
func (m *Messenger) ShareURL(origin string) string {
	link, ok := m.Link()
	if !ok {
		return ""
	}
	return strings.TrimRight(origin, "/") + "/?link=" + url.QueryEscape(link.LinkID)
}

// CreatorURL returns the URL that restores the creator view of the link.
func (m *Messenger) CreatorURL(origin string) string {
	link, ok := m.Link()
	if !ok {
		return ""
	}
	return strings.TrimRight(origin, "/") + "/?creator=" + url.QueryEscape(link.LinkID)
}

// ============================================================================
// Anonymous flows
// ============================================================================

// JoinLink enters linkID as the anonymous party. The conversation recorded
// for the link is resumed; if the backend lost it, or none was recorded, a
// new one is created.
func (m *Messenger) JoinLink(ctx context.Context, linkID string) (Conversation, error) {
	m.session.LeaveLink()
	m.engine.SetRole(false)
	m.mu.Lock()
	m.link = nil
	m.mu.Unlock()

	if h, ok := m.cache.FindChatHistory(linkID); ok {
		err := m.engine.OpenConversation(ctx, h.ConvID)
		switch {
		case err == nil:
			m.cache.TouchChatHistory(h.ConvID)
			m.setMode(ModeChat)
			conv, _ := m.engine.Active()
			return conv, nil
		case errors.Is(err, ErrConversationNotFound):
			m.logger.Info().Str("conv", h.ConvID).Msg("conversation gone, starting a new one")
			m.cache.RemoveChatHistory(h.ConvID)
		default:
			m.setMode(ModeHome)
			return Conversation{}, err
		}
	}

	exists, err := m.client.Links.Verify(ctx, linkID)
	if err != nil {
		m.setMode(ModeHome)
		return Conversation{}, err
	}
	if !exists {
		m.setMode(ModeHome)
		return Conversation{}, fmt.Errorf("join link %s: %w", linkID, ErrLinkNotFound)
	}
	conv, err := m.client.Conversations.Create(ctx, linkID)
	if err != nil {
		m.setMode(ModeHome)
		return Conversation{}, err
	}
	m.cache.SaveChatHistory(linkID, conv.ID)
	m.engine.Enter(ctx, *conv)
	m.setMode(ModeChat)
	m.logger.Info().Str("link", linkID).Str("conv", conv.ID).Msg("conversation started")
	active, _ := m.engine.Active()
	return active, nil
}

// Resolve enters the screen named by the query of an entry URL:
// ?creator=<linkId> or ?link=<linkId>. Without either it goes home.
func (m *Messenger) Resolve(ctx context.Context, q url.Values) (Mode, error) {
	if linkID := q.Get("creator"); linkID != "" {
		if err := m.RestoreCreator(ctx, linkID); err != nil {
			return ModeHome, err
		}
		return ModeCreator, nil
	}
	if linkID := q.Get("link"); linkID != "" {
		if _, err := m.JoinLink(ctx, linkID); err != nil {
			return ModeHome, err
		}
		return ModeChat, nil
	}
	m.Home()
	return ModeHome, nil
}

// ============================================================================
// Common
// ============================================================================

// Send sends a message in the open conversation.
func (m *Messenger) Send(ctx context.Context, opts SendOptions) (Message, error) {
	msg, err := m.engine.SendMessage(ctx, opts)
	if err != nil {
		return msg, err
	}
	if !m.engine.IsCreator() {
		if conv, _ := m.engine.Active(); conv.ID != "" {
			m.cache.TouchChatHistory(conv.ID)
		}
	}
	return msg, nil
}

// Typing reports a keystroke in the open conversation.
func (m *Messenger) Typing(ctx context.Context) error {
	return m.engine.Typing(ctx)
}

// Back closes the open conversation. The creator returns to the
// conversation list, the anonymous party goes home.
func (m *Messenger) Back() {
	m.engine.Leave()
	if m.engine.IsCreator() {
		m.setMode(ModeCreator)
		return
	}
	m.setMode(ModeHome)
}

// Home leaves every room.
func (m *Messenger) Home() {
	m.engine.Leave()
	m.session.LeaveLink()
	m.mu.Lock()
	m.mode = ModeHome
	m.link = nil
	m.mu.Unlock()
}

func (m *Messenger) setMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}
