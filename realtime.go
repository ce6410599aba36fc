package ochat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Live channel event names.
const (
	EventJoinLink            = "join-link"
	EventJoinConversation    = "join-conversation"
	EventSendMessage         = "send-message"
	EventTyping              = "typing"
	EventStopTyping          = "stop-typing"
	EventLoadMessages        = "load-messages"
	EventNewMessage          = "new-message"
	EventLoadConversations   = "load-conversations"
	EventNewConversation     = "new-conversation"
	EventConversationChanged = "conversation-updated"
	EventUserTyping          = "user-typing"
	EventUserStopTyping      = "user-stop-typing"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// JoinLinkPayload subscribes a creator to a link room.
type JoinLinkPayload struct {
	LinkID    string `json:"linkId"`
	CreatorID string `json:"creatorId"`
}

// JoinConversationPayload subscribes the client to a conversation room.
type JoinConversationPayload struct {
	ConvID    string `json:"convId"`
	IsCreator bool   `json:"isCreator"`
}

// SendMessagePayload transmits a chat message.
type SendMessagePayload struct {
	ConvID    string    `json:"convId"`
	Message   string    `json:"message"`
	IsCreator bool      `json:"isCreator"`
	ReplyTo   *ReplyRef `json:"replyTo,omitempty"`
	Image     string    `json:"image,omitempty"`
}

// TypingPayload is sent with typing and stop-typing.
type TypingPayload struct {
	ConvID    string `json:"convId"`
	IsCreator bool   `json:"isCreator"`
}

// LoadMessagesPayload is the room history pushed after a join. ConvID is
// optional on the wire; without it the reply is matched to its join by
// order.
type LoadMessagesPayload struct {
	ConvID   string    `json:"convId,omitempty"`
	Messages []Message `json:"messages"`
}

// NewMessagePayload is a message broadcast to a conversation or link room.
type NewMessagePayload struct {
	ConvID  string  `json:"convId"`
	Message Message `json:"message"`
}

// LoadConversationsPayload is the creator's conversation list.
type LoadConversationsPayload struct {
	Conversations []Conversation `json:"conversations"`
}

// ConversationPayload is sent with new-conversation and conversation-updated.
type ConversationPayload struct {
	Conversation Conversation `json:"conversation"`
}

// UserTypingPayload reports the other party typing.
type UserTypingPayload struct {
	IsCreator bool `json:"isCreator"`
}

// Envelope is the wire format of every event in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the ws:// or wss:// endpoint of the event channel.
	URL string
	// MaxReconnectAttempts of 0 retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter is how long a connection must last for the backoff to reset.
	StableAfter       time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	// JoinReplyTimeout is how long a join-conversation may wait for its
	// load-messages before it is presumed unanswered.
	JoinReplyTimeout time.Duration
	// ReadLimit bounds a single inbound frame. Image messages are large.
	ReadLimit  int64
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func (c *SessionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinReplyTimeout == 0 {
		c.JoinReplyTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 16 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

// Handlers run on the read goroutine, one event at a time, in arrival order.
type eventDispatcher struct {
	mu                  sync.RWMutex
	logger              *zerolog.Logger
	generic             map[string][]RealtimeEventHandler
	onLoadMessages      []func(LoadMessagesPayload)
	onNewMessage        []func(NewMessagePayload)
	onLoadConversations []func(LoadConversationsPayload)
	onNewConversation   []func(ConversationPayload)
	onConvUpdated       []func(ConversationPayload)
	onUserTyping        []func(UserTypingPayload)
	onUserStopTyping    []func(UserTypingPayload)
	onConnected         []func()
	onDisconnected      []func(error)
	onReconnecting      []func(int, time.Duration)
	onQueued            []func(OutboxOp)
	onFlushed           []func(OutboxOp)
}

func newEventDispatcher(logger *zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:  logger,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func decodeAndCall[T any](d *eventDispatcher, env Envelope, handlers []func(T)) {
	if len(handlers) == 0 {
		return
	}
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		d.logger.Warn().Err(err).Str("event", env.Type).Msg("dropping malformed event")
		return
	}
	for _, h := range handlers {
		h(p)
	}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventLoadMessages:
		decodeAndCall(d, env, d.onLoadMessages)
	case EventNewMessage:
		decodeAndCall(d, env, d.onNewMessage)
	case EventLoadConversations:
		decodeAndCall(d, env, d.onLoadConversations)
	case EventNewConversation:
		decodeAndCall(d, env, d.onNewConversation)
	case EventConversationChanged:
		decodeAndCall(d, env, d.onConvUpdated)
	case EventUserTyping:
		decodeAndCall(d, env, d.onUserTyping)
	case EventUserStopTyping:
		decodeAndCall(d, env, d.onUserStopTyping)
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitOutbox(op OutboxOp, flushed bool) {
	d.mu.RLock()
	handlers := d.onQueued
	if flushed {
		handlers = d.onFlushed
	}
	handlers = append([]func(OutboxOp){}, handlers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(op)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	stableAfter time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *SessionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		stableAfter: config.StableAfter,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Session
// ============================================================================

// Session owns the single long-lived event channel of an application
// session. It reconnects on its own, rejoins the rooms it was asked to join
// and replays queued sends in FIFO order before reporting itself connected.
type Session struct {
	config     *SessionConfig
	logger     zerolog.Logger
	dispatcher *eventDispatcher
	recon      *reconnector
	outbox     *Outbox

	mu       sync.Mutex
	conn     *websocket.Conn
	state    RealtimeState
	convRoom *JoinConversationPayload
	linkRoom *JoinLinkPayload
	// joins are the join-conversation writes on the current connection
	// still waiting for their load-messages, oldest first.
	joins []pendingJoin
	cancelFn context.CancelFunc
	done     chan struct{}

	// writeMu orders every write, so nothing can overtake the replay of
	// queued sends after a reconnect.
	writeMu sync.Mutex
}

type pendingJoin struct {
	convID string
	at     time.Time
}

// NewSession creates a session. Call Start to connect.
func NewSession(config *SessionConfig) *Session {
	if config == nil {
		config = &SessionConfig{}
	}
	cfg := *config
	cfg.defaults()
	return &Session{
		config:     &cfg,
		logger:     cfg.Logger.With().Str("component", "session").Logger(),
		dispatcher: newEventDispatcher(cfg.Logger),
		recon:      newReconnector(&cfg),
		outbox:     NewOutbox(),
		state:      StateDisconnected,
	}
}

// OnLoadMessages registers a handler for load-messages.
func (s *Session) OnLoadMessages(h func(LoadMessagesPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onLoadMessages = append(s.dispatcher.onLoadMessages, h)
	s.dispatcher.mu.Unlock()
}

// OnNewMessage registers a handler for new-message.
func (s *Session) OnNewMessage(h func(NewMessagePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNewMessage = append(s.dispatcher.onNewMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnLoadConversations registers a handler for load-conversations.
func (s *Session) OnLoadConversations(h func(LoadConversationsPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onLoadConversations = append(s.dispatcher.onLoadConversations, h)
	s.dispatcher.mu.Unlock()
}

// OnNewConversation registers a handler for new-conversation.
func (s *Session) OnNewConversation(h func(ConversationPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNewConversation = append(s.dispatcher.onNewConversation, h)
	s.dispatcher.mu.Unlock()
}

// OnConversationUpdated registers a handler for conversation-updated.
func (s *Session) OnConversationUpdated(h func(ConversationPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConvUpdated = append(s.dispatcher.onConvUpdated, h)
	s.dispatcher.mu.Unlock()
}

// OnUserTyping registers a handler for user-typing.
func (s *Session) OnUserTyping(h func(UserTypingPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onUserTyping = append(s.dispatcher.onUserTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnUserStopTyping registers a handler for user-stop-typing.
func (s *Session) OnUserStopTyping(h func(UserTypingPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onUserStopTyping = append(s.dispatcher.onUserStopTyping, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler that runs once rooms are rejoined and the
// outbox is flushed.
func (s *Session) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for lost connections.
func (s *Session) OnDisconnected(h func(err error)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each backoff sleep.
func (s *Session) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// OnOutboxQueued registers a handler for ops queued while disconnected.
func (s *Session) OnOutboxQueued(h func(OutboxOp)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onQueued = append(s.dispatcher.onQueued, h)
	s.dispatcher.mu.Unlock()
}

// OnOutboxFlushed registers a handler for queued ops replayed on reconnect.
func (s *Session) OnOutboxFlushed(h func(OutboxOp)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onFlushed = append(s.dispatcher.onFlushed, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (s *Session) On(eventType string, h RealtimeEventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[eventType] = append(s.dispatcher.generic[eventType], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether sends are transmitted immediately.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Pending returns the number of queued sends.
func (s *Session) Pending() int {
	return s.outbox.Len()
}

// Start connects in the background until ctx is cancelled or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancelFn != nil {
		s.mu.Unlock()
		return
	}
	s.recon.reset()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFn = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, done)
}

// Close stops reconnecting and closes the connection. Queued sends are
// dropped with the session.
func (s *Session) Close() error {
	s.mu.Lock()
	cancel, done := s.cancelFn, s.done
	s.cancelFn = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// JoinConversation makes convID the active room, joining it now if
// connected and on every reconnect.
func (s *Session) JoinConversation(ctx context.Context, convID string, isCreator bool) error {
	p := &JoinConversationPayload{ConvID: convID, IsCreator: isCreator}
	s.mu.Lock()
	s.convRoom = p
	s.mu.Unlock()
	return s.emitIfConnected(ctx, EventJoinConversation, p)
}

// LeaveConversation stops rejoining the active conversation room.
func (s *Session) LeaveConversation() {
	s.mu.Lock()
	s.convRoom = nil
	s.mu.Unlock()
}

// JoinLink subscribes the creator to its link room, now and on reconnect.
func (s *Session) JoinLink(ctx context.Context, linkID, creatorID string) error {
	p := &JoinLinkPayload{LinkID: linkID, CreatorID: creatorID}
	s.mu.Lock()
	s.linkRoom = p
	s.mu.Unlock()
	return s.emitIfConnected(ctx, EventJoinLink, p)
}

// LeaveLink stops rejoining the link room.
func (s *Session) LeaveLink() {
	s.mu.Lock()
	s.linkRoom = nil
	s.mu.Unlock()
}

func (s *Session) emitIfConnected(ctx context.Context, event string, payload any) error {
	err := s.Emit(ctx, event, payload)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Emit writes an event now. It fails with ErrNotConnected instead of
// queueing; use Deliver for sends that must not be lost.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	return s.write(ctx, conn, event, payload)
}

// Deliver transmits op if connected and queues it otherwise. A failed write
// also queues the op; the broken connection is replaced by the reconnect
// loop, which replays it. Deliver reports whether op was queued.
// Queued handlers run after writeMu is released and may send.
func (s *Session) Deliver(ctx context.Context, op OutboxOp) (bool, error) {
	op, queued := s.deliver(ctx, op)
	if queued {
		s.dispatcher.emitOutbox(op, false)
	}
	return queued, nil
}

func (s *Session) deliver(ctx context.Context, op OutboxOp) (OutboxOp, bool) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state == StateConnected && conn != nil {
		err := s.write(ctx, conn, op.Event, op.Payload)
		if err == nil {
			return op, false
		}
		s.logger.Warn().Err(err).Str("event", op.Event).Msg("write failed, queueing")
		if ctx.Err() == nil {
			conn.Close(websocket.StatusGoingAway, "write failed")
		}
	}

	op = s.outbox.Push(op)
	s.logger.Debug().Str("op", op.ID).Int("queued", s.outbox.Len()).Msg("queued while disconnected")
	return op, true
}

func (s *Session) write(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Type: event, Payload: p})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if join, ok := payload.(*JoinConversationPayload); ok {
		s.mu.Lock()
		s.joins = append(s.joins, pendingJoin{convID: join.ConvID, at: time.Now()})
		s.mu.Unlock()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// acceptLoad matches a load-messages to the join it answers and reports
// whether it belongs to the current conversation room. Replies to joins
// that were superseded before the reply arrived are rejected.
func (s *Session) acceptLoad(payload json.RawMessage) bool {
	var p struct {
		ConvID string `json:"convId"`
	}
	_ = json.Unmarshal(payload, &p)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for len(s.joins) > 1 && now.Sub(s.joins[0].at) > s.config.JoinReplyTimeout {
		s.joins = s.joins[1:]
	}
	if s.convRoom == nil {
		if len(s.joins) > 0 {
			s.joins = s.joins[1:]
		}
		return false
	}
	if len(s.joins) == 0 {
		return p.ConvID == "" || p.ConvID == s.convRoom.ConvID
	}
	answered := s.joins[0]
	s.joins = s.joins[1:]
	if p.ConvID != "" {
		return p.ConvID == s.convRoom.ConvID
	}
	return len(s.joins) == 0 && answered.convID == s.convRoom.ConvID
}

func (s *Session) setState(state RealtimeState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateDisconnected)

	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info().Err(err).Msg("connection lost")

		if !s.recon.shouldReconnect() {
			s.logger.Warn().Int("attempts", s.recon.attempt).Msg("giving up reconnecting")
			return
		}
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.dispatcher.emitReconnecting(s.recon.attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.config.URL, &websocket.DialOptions{
		HTTPClient: s.config.HTTPClient,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(s.config.ReadLimit)

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()

	s.mu.Lock()
	s.joins = nil
	s.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(connCtx, conn) }()

	flushed, err := s.open(connCtx, conn)
	for _, op := range flushed {
		s.dispatcher.emitOutbox(op, true)
	}
	if err != nil {
		conn.Close(websocket.StatusInternalError, "rejoin failed")
		<-readErr
		s.drop()
		s.dispatcher.emitDisconnected(err)
		return err
	}
	s.recon.markConnected()
	s.logger.Info().Str("url", s.config.URL).Msg("connected")
	s.dispatcher.emitConnected()

	go s.heartbeatLoop(connCtx, conn)

	err = <-readErr
	s.drop()
	conn.Close(websocket.StatusNormalClosure, "")
	s.dispatcher.emitDisconnected(err)
	return err
}

// open rejoins rooms and replays the outbox while holding writeMu, and only
// then publishes the connection. It returns the replayed ops so their
// handlers run after writeMu is released.
func (s *Session) open(ctx context.Context, conn *websocket.Conn) ([]OutboxOp, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	convRoom, linkRoom := s.convRoom, s.linkRoom
	s.mu.Unlock()

	if convRoom != nil {
		if err := s.write(ctx, conn, EventJoinConversation, convRoom); err != nil {
			return nil, fmt.Errorf("rejoin conversation: %w", err)
		}
	}
	if linkRoom != nil {
		if err := s.write(ctx, conn, EventJoinLink, linkRoom); err != nil {
			return nil, fmt.Errorf("rejoin link: %w", err)
		}
	}

	var flushed []OutboxOp
	sent, err := s.outbox.Flush(func(op OutboxOp) error {
		if err := s.write(ctx, conn, op.Event, op.Payload); err != nil {
			return err
		}
		flushed = append(flushed, op)
		return nil
	})
	if sent > 0 {
		s.logger.Info().Int("sent", sent).Int("left", s.outbox.Len()).Msg("flushed outbox")
	}
	if err != nil {
		return flushed, fmt.Errorf("flush outbox: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	return flushed, nil
}

func (s *Session) drop() {
	s.mu.Lock()
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if env.Type == EventLoadMessages && !s.acceptLoad(env.Payload) {
			s.logger.Debug().Msg("dropping load-messages for a superseded join")
			continue
		}
		s.dispatcher.dispatch(env)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn().Err(err).Msg("heartbeat failed")
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
