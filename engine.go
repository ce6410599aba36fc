package ochat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Transport is what the engine needs from the event channel. *Session
// implements it.
type Transport interface {
	Connected() bool
	// Deliver transmits op or queues it for replay, reporting which.
	Deliver(ctx context.Context, op OutboxOp) (bool, error)
	// Emit transmits now or fails with ErrNotConnected.
	Emit(ctx context.Context, event string, payload any) error
	JoinConversation(ctx context.Context, convID string, isCreator bool) error
	LeaveConversation()
}

// ConversationFetcher loads a conversation from the backend.
// *ConversationsClient implements it.
type ConversationFetcher interface {
	Get(ctx context.Context, convID string) (*Conversation, error)
}

// SendOptions describes an outgoing message.
type SendOptions struct {
	Text    string
	Image   string
	ReplyTo *ReplyRef
}

// EngineConfig configures an Engine. Transport and Fetcher are required.
type EngineConfig struct {
	Transport Transport
	Fetcher   ConversationFetcher
	Cache     *Cache
	Notifier  Notifier
	Logger    *zerolog.Logger
	Now       func() time.Time

	// EchoWindow bounds how far an echo's timestamp may be from the local
	// copy it corrects.
	EchoWindow time.Duration
	// TypingIdle is how long after the last keystroke stop-typing is sent.
	TypingIdle time.Duration
	// TypingInterval rate-limits outgoing typing events.
	TypingInterval time.Duration
	// PeerTypingTimeout clears the other party's typing indicator.
	PeerTypingTimeout time.Duration
}

func (c *EngineConfig) defaults() {
	if c.Cache == nil {
		c.Cache = NewCache(NewMemoryStorage(), nil)
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 120 * time.Second
	}
	if c.TypingIdle == 0 {
		c.TypingIdle = time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 500 * time.Millisecond
	}
	if c.PeerTypingTimeout == 0 {
		c.PeerTypingTimeout = 3 * time.Second
	}
}

type activeConversation struct {
	conv  Conversation
	state ConversationState
}

type engineEvent struct {
	name    string
	payload any
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles the open conversation and the creator's conversation
// list from cache, REST fetches and live events.
//
// Engine methods never hold the engine lock while calling the transport, so
// transport callbacks may call back into the engine.
type Engine struct {
	emitter
	config    EngineConfig
	transport Transport
	fetcher   ConversationFetcher
	cache     *Cache
	tracker   *Tracker
	logger    zerolog.Logger

	mu        sync.Mutex
	isCreator bool
	visible   bool
	gen       uint64
	active    *activeConversation
	inbox     map[string]*InboxEntry

	typingLimiter *rate.Limiter
	stopTyping    *time.Timer
	peerTyping    *time.Timer
	peerSeq       uint64
	peerActive    bool
}

// NewEngine creates an engine.
func NewEngine(config *EngineConfig) *Engine {
	cfg := *config
	cfg.defaults()
	e := &Engine{
		config:        cfg,
		transport:     cfg.Transport,
		fetcher:       cfg.Fetcher,
		cache:         cfg.Cache,
		tracker:       &Tracker{cache: cfg.Cache, now: cfg.Now},
		logger:        cfg.Logger.With().Str("component", "engine").Logger(),
		visible:       true,
		inbox:         make(map[string]*InboxEntry),
		typingLimiter: rate.NewLimiter(rate.Every(cfg.TypingInterval), 1),
	}
	e.emitter = newEmitter(&e.logger)
	return e
}

// Tracker returns the engine's unread tracker.
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// SetRole sets whether the local participant is the link creator.
func (e *Engine) SetRole(isCreator bool) {
	e.mu.Lock()
	e.isCreator = isCreator
	e.mu.Unlock()
}

// IsCreator reports the local role.
func (e *Engine) IsCreator() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isCreator
}

// SetVisible records whether the user is looking. Messages from the other
// party are only passed to the Notifier while not visible.
func (e *Engine) SetVisible(visible bool) {
	e.mu.Lock()
	e.visible = visible
	e.mu.Unlock()
}

// Active returns a copy of the open conversation and its state.
func (e *Engine) Active() (Conversation, ConversationState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return Conversation{}, StateEmpty
	}
	return e.active.conv.clone(), e.active.state
}

// Close stops timers and drops all handlers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.stopTyping != nil {
		e.stopTyping.Stop()
		e.stopTyping = nil
	}
	if e.peerTyping != nil {
		e.peerTyping.Stop()
		e.peerTyping = nil
	}
	e.mu.Unlock()
	e.removeAll()
}

func (e *Engine) emitAll(evts []engineEvent) {
	for _, ev := range evts {
		e.emit(ev.name, ev.payload)
	}
}

// ============================================================================
// Opening conversations
// ============================================================================

// OpenConversation switches to convID. Cached messages are published
// immediately, then the conversation is fetched and merged. If another
// conversation is opened before the fetch returns, the result is dropped and
// ErrSuperseded returned. A failed fetch is not an error while cached
// messages are shown, unless the backend no longer has the conversation.
func (e *Engine) OpenConversation(ctx context.Context, convID string) error {
	e.mu.Lock()
	e.gen++
	gen := e.gen
	seed, hasSeed := e.cache.Conversation(convID)
	if !hasSeed {
		seed = Conversation{ID: convID}
	}
	if entry, ok := e.inbox[convID]; ok {
		if seed.LinkID == "" {
			seed.LinkID = entry.Conversation.LinkID
		}
		if seed.CreatedAt == 0 {
			seed.CreatedAt = entry.Conversation.CreatedAt
		}
		seed.Messages = append(seed.Messages, entry.Conversation.Messages...)
		hasSeed = hasSeed || len(entry.Conversation.Messages) > 0
	}
	seed.Messages = Fold(seed.Messages)
	seed.LastMessage = seed.latest()
	e.active = &activeConversation{conv: seed, state: StateLoading}
	e.clearPeerTypingLocked()
	isCreator := e.isCreator
	evts := []engineEvent{{EventConversationState, StateChange{ConvID: convID, State: StateLoading}}}
	if hasSeed {
		evts = append(evts, engineEvent{EventConversationUpdated, seed.clone()})
	}
	e.mu.Unlock()
	e.emitAll(evts)

	if err := e.transport.JoinConversation(ctx, convID, isCreator); err != nil {
		e.logger.Warn().Err(err).Str("conv", convID).Msg("join conversation failed")
	}

	fetched, err := e.fetcher.Get(ctx, convID)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.logger.Debug().Str("conv", convID).Msg("discarding superseded fetch")
		return ErrSuperseded
	}
	a := e.active
	if err != nil {
		if !errors.Is(err, ErrConversationNotFound) && (hasSeed || len(a.conv.Messages) > 0) {
			evts = e.markViewedLocked([]engineEvent{{EventFetchFailed, err}})
			e.mu.Unlock()
			e.logger.Warn().Err(err).Str("conv", convID).Msg("fetch failed, keeping cached conversation")
			e.emitAll(evts)
			return nil
		}
		e.active = nil
		e.mu.Unlock()
		e.transport.LeaveConversation()
		e.emit(EventConversationState, StateChange{ConvID: convID, State: StateEmpty})
		return fmt.Errorf("open conversation %s: %w", convID, err)
	}

	merged := fetched.clone()
	merged.ID = convID
	if merged.LinkID == "" {
		merged.LinkID = a.conv.LinkID
	}
	if merged.CreatedAt == 0 {
		merged.CreatedAt = a.conv.CreatedAt
	}
	merged.Messages = Fold(append(a.conv.Messages, fetched.Messages...))
	merged.LastMessage = merged.latest()
	a.conv = merged
	a.state = StateLive
	e.persistLocked()
	evts = e.markViewedLocked(nil)
	evts = append(evts,
		engineEvent{EventConversationState, StateChange{ConvID: convID, State: StateLive}},
		engineEvent{EventConversationUpdated, merged.clone()},
	)
	e.mu.Unlock()
	e.emitAll(evts)

	e.logger.Debug().Str("conv", convID).Int("messages", len(merged.Messages)).Msg("conversation live")
	return nil
}

// Enter adopts a conversation that was already fetched or just created,
// merging it with any cached snapshot.
func (e *Engine) Enter(ctx context.Context, conv Conversation) {
	e.mu.Lock()
	e.gen++
	c := conv.clone()
	if cached, ok := e.cache.Conversation(c.ID); ok {
		c.Messages = append(c.Messages, cached.Messages...)
	}
	c.Messages = Fold(c.Messages)
	c.LastMessage = c.latest()
	e.active = &activeConversation{conv: c, state: StateLive}
	e.clearPeerTypingLocked()
	e.persistLocked()
	evts := e.markViewedLocked(nil)
	evts = append(evts,
		engineEvent{EventConversationState, StateChange{ConvID: c.ID, State: StateLive}},
		engineEvent{EventConversationUpdated, c.clone()},
	)
	isCreator := e.isCreator
	e.mu.Unlock()
	e.emitAll(evts)

	if err := e.transport.JoinConversation(ctx, c.ID, isCreator); err != nil {
		e.logger.Warn().Err(err).Str("conv", c.ID).Msg("join conversation failed")
	}
}

// Leave closes the open conversation. In-flight fetches for it are dropped.
func (e *Engine) Leave() {
	e.mu.Lock()
	e.gen++
	if e.active == nil {
		e.mu.Unlock()
		return
	}
	convID := e.active.conv.ID
	e.active = nil
	e.clearPeerTypingLocked()
	if e.stopTyping != nil {
		e.stopTyping.Stop()
		e.stopTyping = nil
	}
	e.mu.Unlock()

	e.transport.LeaveConversation()
	e.emit(EventConversationState, StateChange{ConvID: convID, State: StateEmpty})
}

// ============================================================================
// Live events
// ============================================================================

// HandleLoadMessages folds the room history pushed after a join into the
// open conversation.
func (e *Engine) HandleLoadMessages(msgs []Message) {
	e.mu.Lock()
	a := e.active
	if a == nil {
		e.mu.Unlock()
		e.logger.Debug().Int("messages", len(msgs)).Msg("load-messages with no open conversation")
		return
	}
	merged := append([]Message(nil), a.conv.Messages...)
	for _, m := range msgs {
		m.Status = StatusConfirmed
		merged = append(merged, m)
	}
	a.conv.Messages = Fold(merged)
	a.conv.LastMessage = a.conv.latest()
	var evts []engineEvent
	if a.state != StateLive {
		a.state = StateLive
		evts = append(evts, engineEvent{EventConversationState, StateChange{ConvID: a.conv.ID, State: StateLive}})
	}
	e.persistLocked()
	evts = e.markViewedLocked(evts)
	evts = append(evts, engineEvent{EventConversationUpdated, a.conv.clone()})
	e.mu.Unlock()
	e.emitAll(evts)
}

// HandleNewMessage applies a live message. Messages for other conversations
// only update the conversation list. For the open conversation, an echo of
// one of our own sends corrects the local copy in place instead of adding a
// second one.
func (e *Engine) HandleNewMessage(convID string, msg Message) {
	msg.Status = StatusConfirmed

	e.mu.Lock()
	a := e.active
	if a == nil || a.conv.ID != convID {
		counted, changed := e.applyInboxMessageLocked(convID, msg)
		notify := counted && !e.visible
		var list []InboxEntry
		if changed {
			list = e.conversationsLocked()
		}
		e.mu.Unlock()
		if changed {
			e.emit(EventConversationsUpdated, list)
		}
		if notify {
			e.notify(convID, msg)
		}
		return
	}

	name := EventMessageReceived
	result := msg
	if i := e.findEchoLocked(msg); i >= 0 {
		m := &a.conv.Messages[i]
		m.Timestamp = msg.Timestamp
		m.Status = StatusConfirmed
		if msg.ID != "" {
			m.ID = msg.ID
		}
		result = *m
		name = EventMessageConfirmed
	} else {
		a.conv.Messages = append(a.conv.Messages, msg)
	}
	a.conv.Messages = Fold(a.conv.Messages)
	a.conv.LastMessage = a.conv.latest()
	e.persistLocked()
	evts := []engineEvent{{name, result}}
	evts = e.markViewedLocked(evts)
	evts = append(evts, engineEvent{EventConversationUpdated, a.conv.clone()})
	notify := msg.IsCreator != e.isCreator && !e.visible
	e.mu.Unlock()
	e.emitAll(evts)

	if notify {
		e.notify(convID, msg)
	}
}

// findEchoLocked returns the index of the local message msg echoes, or -1.
// Unconfirmed candidates win, oldest first, since echoes arrive in send
// order; otherwise the closest confirmed one.
func (e *Engine) findEchoLocked(msg Message) int {
	if msg.IsCreator != e.isCreator {
		return -1
	}
	text := strings.TrimSpace(msg.Text)
	window := e.config.EchoWindow.Milliseconds()

	best, bestRank := -1, 0
	var bestKey int64
	for i, m := range e.active.conv.Messages {
		if m.IsCreator != msg.IsCreator || strings.TrimSpace(m.Text) != text {
			continue
		}
		dist := int64(m.Timestamp - msg.Timestamp)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		rank, key := 1, dist
		if m.Status != StatusConfirmed {
			rank, key = 0, int64(m.Timestamp)
		}
		if best < 0 || rank < bestRank || (rank == bestRank && key < bestKey) {
			best, bestRank, bestKey = i, rank, key
		}
	}
	return best
}

// HandlePeerTyping shows the other party's typing indicator until it stops
// or PeerTypingTimeout passes.
func (e *Engine) HandlePeerTyping(p UserTypingPayload) {
	e.mu.Lock()
	if e.active == nil || p.IsCreator == e.isCreator {
		e.mu.Unlock()
		return
	}
	e.peerSeq++
	seq := e.peerSeq
	if e.peerTyping != nil {
		e.peerTyping.Stop()
	}
	e.peerTyping = time.AfterFunc(e.config.PeerTypingTimeout, func() { e.expirePeerTyping(seq) })
	wasActive := e.peerActive
	e.peerActive = true
	e.mu.Unlock()

	if !wasActive {
		e.emit(EventTypingChanged, TypingState{Active: true, IsCreator: p.IsCreator})
	}
}

// HandlePeerStopTyping clears the other party's typing indicator.
func (e *Engine) HandlePeerStopTyping() {
	e.mu.Lock()
	changed := e.clearPeerTypingLocked()
	isCreator := !e.isCreator
	e.mu.Unlock()
	if changed {
		e.emit(EventTypingChanged, TypingState{Active: false, IsCreator: isCreator})
	}
}

func (e *Engine) expirePeerTyping(seq uint64) {
	e.mu.Lock()
	if seq != e.peerSeq {
		e.mu.Unlock()
		return
	}
	changed := e.clearPeerTypingLocked()
	isCreator := !e.isCreator
	e.mu.Unlock()
	if changed {
		e.emit(EventTypingChanged, TypingState{Active: false, IsCreator: isCreator})
	}
}

func (e *Engine) clearPeerTypingLocked() bool {
	e.peerSeq++
	if e.peerTyping != nil {
		e.peerTyping.Stop()
		e.peerTyping = nil
	}
	was := e.peerActive
	e.peerActive = false
	return was
}

// PeerTyping reports whether the other party is typing.
func (e *Engine) PeerTyping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerActive
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage shows the message in the open conversation before anything
// goes over the network, then transmits it, or queues it while the
// transport is down.
func (e *Engine) SendMessage(ctx context.Context, opts SendOptions) (Message, error) {
	text := strings.TrimSpace(opts.Text)
	if text == "" && opts.Image == "" {
		return Message{}, ErrEmptyMessage
	}

	e.mu.Lock()
	a := e.active
	if a == nil {
		e.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	now := e.config.Now()
	msg := Message{
		ID:        MessageID(uuid.NewString()),
		Text:      text,
		IsCreator: e.isCreator,
		Timestamp: TimestampOf(now),
		Image:     opts.Image,
		ReplyTo:   opts.ReplyTo,
		Status:    StatusOptimistic,
	}
	a.conv.Messages = Fold(append(a.conv.Messages, msg))
	a.conv.LastMessage = a.conv.latest()
	e.persistLocked()
	evts := []engineEvent{{EventMessageLocal, msg}}
	evts = e.markViewedLocked(evts)
	evts = append(evts, engineEvent{EventConversationUpdated, a.conv.clone()})
	convID, isCreator := a.conv.ID, e.isCreator
	if e.stopTyping != nil {
		e.stopTyping.Stop()
		e.stopTyping = nil
	}
	e.mu.Unlock()
	e.emitAll(evts)

	queued, err := e.transport.Deliver(ctx, OutboxOp{
		ID:    string(msg.ID),
		Event: EventSendMessage,
		Payload: SendMessagePayload{
			ConvID:    convID,
			Message:   text,
			IsCreator: isCreator,
			ReplyTo:   opts.ReplyTo,
			Image:     opts.Image,
		},
		CreatedAt: now,
	})
	if err != nil {
		return msg, fmt.Errorf("send message: %w", err)
	}
	if queued {
		msg.Status = StatusPending
		return msg, nil
	}
	e.sendStopTyping(ctx, convID, isCreator)
	return msg, nil
}

// HandleQueued marks the message of a queued send as pending.
func (e *Engine) HandleQueued(op OutboxOp) {
	if op.Event == EventSendMessage {
		e.setStatus(MessageID(op.ID), StatusOptimistic, StatusPending)
	}
}

// HandleFlushed marks the message of a replayed send as transmitted.
func (e *Engine) HandleFlushed(op OutboxOp) {
	if op.Event == EventSendMessage {
		e.setStatus(MessageID(op.ID), StatusPending, StatusOptimistic)
	}
}

func (e *Engine) setStatus(id MessageID, from, to MessageStatus) {
	e.mu.Lock()
	a := e.active
	if a == nil {
		e.mu.Unlock()
		return
	}
	for i := range a.conv.Messages {
		m := &a.conv.Messages[i]
		if m.ID != id || m.Status != from {
			continue
		}
		m.Status = to
		updated, conv := *m, a.conv.clone()
		e.mu.Unlock()
		e.emit(EventMessageStatus, updated)
		e.emit(EventConversationUpdated, conv)
		return
	}
	e.mu.Unlock()
}

// Typing reports a keystroke in the open conversation. typing is sent at
// most once per TypingInterval and stop-typing after TypingIdle without
// keystrokes.
func (e *Engine) Typing(ctx context.Context) error {
	e.mu.Lock()
	a := e.active
	if a == nil {
		e.mu.Unlock()
		return nil
	}
	convID, isCreator := a.conv.ID, e.isCreator
	if e.stopTyping != nil {
		e.stopTyping.Stop()
	}
	e.stopTyping = time.AfterFunc(e.config.TypingIdle, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.sendStopTyping(ctx, convID, isCreator)
	})
	allow := e.typingLimiter.Allow()
	e.mu.Unlock()

	if !allow {
		return nil
	}
	err := e.transport.Emit(ctx, EventTyping, TypingPayload{ConvID: convID, IsCreator: isCreator})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (e *Engine) sendStopTyping(ctx context.Context, convID string, isCreator bool) {
	err := e.transport.Emit(ctx, EventStopTyping, TypingPayload{ConvID: convID, IsCreator: isCreator})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		e.logger.Debug().Err(err).Msg("stop-typing failed")
	}
}

// ============================================================================
// Conversation list
// ============================================================================

// HandleConversations replaces the conversation list, computing unread
// counts from the stored read markers.
func (e *Engine) HandleConversations(convs []Conversation) {
	e.mu.Lock()
	e.inbox = make(map[string]*InboxEntry, len(convs))
	for _, c := range convs {
		e.addInboxLocked(c)
	}
	list := e.conversationsLocked()
	e.mu.Unlock()
	e.emit(EventConversationsUpdated, list)
}

// HandleNewConversation adds a conversation to the list if it is new.
func (e *Engine) HandleNewConversation(conv Conversation) {
	e.mu.Lock()
	if _, ok := e.inbox[conv.ID]; ok {
		e.mu.Unlock()
		return
	}
	e.addInboxLocked(conv)
	list := e.conversationsLocked()
	e.mu.Unlock()
	e.emit(EventConversationsUpdated, list)
}

// HandleConversationUpdated refreshes a list entry. Unread grows by the
// messages from the anonymous party appended since the entry was last seen,
// unless the conversation is open.
func (e *Engine) HandleConversationUpdated(conv Conversation) {
	e.mu.Lock()
	entry, ok := e.inbox[conv.ID]
	if !ok {
		e.addInboxLocked(conv)
	} else {
		c := conv.clone()
		c.Messages = Fold(c.Messages)
		c.LastMessage = c.latest()
		if e.viewingLocked(c.ID) {
			entry.Unread = 0
		} else {
			entry.Unread += e.tracker.Delta(len(entry.Conversation.Messages), c)
		}
		entry.Conversation = c
	}
	list := e.conversationsLocked()
	e.mu.Unlock()
	e.emit(EventConversationsUpdated, list)
}

// Conversations returns the conversation list, most recently active first.
func (e *Engine) Conversations() []InboxEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationsLocked()
}

// TotalUnread sums the unread counts of the conversation list.
func (e *Engine) TotalUnread() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, entry := range e.inbox {
		n += entry.Unread
	}
	return n
}

func (e *Engine) addInboxLocked(conv Conversation) {
	c := conv.clone()
	c.Messages = Fold(c.Messages)
	c.LastMessage = c.latest()
	unread := 0
	if !e.viewingLocked(c.ID) {
		unread = e.tracker.ComputeUnread(c)
	}
	e.inbox[c.ID] = &InboxEntry{Conversation: c, Unread: unread}
}

// applyInboxMessageLocked adds msg to a list entry. It reports whether the
// message counted as unread and whether the entry changed.
func (e *Engine) applyInboxMessageLocked(convID string, msg Message) (counted, changed bool) {
	entry, ok := e.inbox[convID]
	if !ok {
		return false, false
	}
	prev := len(entry.Conversation.Messages)
	entry.Conversation.Messages = Fold(append(entry.Conversation.Messages, msg))
	entry.Conversation.LastMessage = entry.Conversation.latest()
	if len(entry.Conversation.Messages) == prev {
		return false, true
	}
	if !msg.IsCreator {
		entry.Unread++
		return true, true
	}
	return false, true
}

func (e *Engine) conversationsLocked() []InboxEntry {
	list := make([]InboxEntry, 0, len(e.inbox))
	for _, entry := range e.inbox {
		list = append(list, InboxEntry{Conversation: entry.Conversation.clone(), Unread: entry.Unread})
	}
	sort.Slice(list, func(i, j int) bool {
		li, lj := list[i].Conversation.latest(), list[j].Conversation.latest()
		if li != lj {
			return li > lj
		}
		return list[i].Conversation.ID < list[j].Conversation.ID
	})
	return list
}

func (e *Engine) viewingLocked(convID string) bool {
	return e.active != nil && e.active.conv.ID == convID
}

// ============================================================================
// Helpers
// ============================================================================

func (e *Engine) persistLocked() {
	e.cache.PutConversation(e.active.conv)
}

// markViewedLocked advances the read marker of the open conversation to its
// message count and clears its unread count in the list.
func (e *Engine) markViewedLocked(evts []engineEvent) []engineEvent {
	c := e.active.conv
	e.tracker.MarkRead(c.ID, len(c.Messages))
	if entry, ok := e.inbox[c.ID]; ok {
		entry.Conversation = c.clone()
		entry.Unread = 0
		evts = append(evts, engineEvent{EventConversationsUpdated, e.conversationsLocked()})
	}
	return evts
}

func (e *Engine) notify(convID string, msg Message) {
	if e.config.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.config.Notifier.Notify(ctx, NewNotification(convID, msg)); err != nil {
		e.logger.Warn().Err(err).Str("conv", convID).Msg("notification failed")
	}
}
