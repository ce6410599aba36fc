// Package testbackend is an in-process stand-in for the chat backend: the
// REST endpoints under /api and the event channel at /ws.
package testbackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message is a stored chat message.
type Message struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	IsCreator bool            `json:"isCreator"`
	Timestamp int64           `json:"timestamp"`
	Image     string          `json:"image,omitempty"`
	ReplyTo   json.RawMessage `json:"replyTo,omitempty"`
}

// Conversation is a stored conversation.
type Conversation struct {
	ID          string    `json:"id"`
	LinkID      string    `json:"linkId"`
	CreatedAt   int64     `json:"createdAt"`
	LastMessage int64     `json:"lastMessage"`
	Messages    []Message `json:"messages"`
}

// Envelope is one event frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type link struct {
	ID        string `json:"linkId"`
	CreatorID string `json:"creatorId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	conv    string
	link    string
}

func (c *client) send(typ string, payload any) error {
	p, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(Envelope{Type: typ, Payload: p})
}

// ============================================================================
// Backend
// ============================================================================

// Backend serves the chat API from memory.
type Backend struct {
	// EchoSkew is added to the server timestamp of stored messages, so
	// echoes can be made to disagree with the sender's clock.
	EchoSkew time.Duration

	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	links     map[string]*link
	convs     map[string]*Conversation
	convOrder []string
	clients   map[*client]struct{}
	received  []Envelope
	offline   bool
	requests  int
	holding   bool
	held      []func()
}

// New starts a backend. Stop it with Close.
func New() *Backend {
	b := &Backend{
		links:   make(map[string]*link),
		convs:   make(map[string]*Conversation),
		clients: make(map[*client]struct{}),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.server = httptest.NewServer(b.router())
	return b
}

func (b *Backend) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(b.countRequests)

	r.Route("/api", func(r chi.Router) {
		r.Post("/links/create", b.createLink)
		r.Get("/links/{linkID}", b.getLink)
		r.Get("/links/{linkID}/verify", b.verifyLink)
		r.Get("/links/{linkID}/conversations", b.listConversations)
		r.Post("/conversations/create", b.createConversation)
		r.Get("/conversations/{convID}", b.getConversation)
	})
	r.Get("/ws", b.serveWS)
	return r
}

func (b *Backend) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests++
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// URL is the http origin of the backend.
func (b *Backend) URL() string {
	return b.server.URL
}

// WSURL is the event channel endpoint.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// Close drops every connection and stops the server.
func (b *Backend) Close() {
	b.DropConnections()
	b.server.Close()
}

// ============================================================================
// Test controls
// ============================================================================

// AddLink registers a link.
func (b *Backend) AddLink(linkID, creatorID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.links[linkID] = &link{ID: linkID, CreatorID: creatorID, CreatedAt: time.Now().UnixMilli()}
}

// RemoveLink expires a link.
func (b *Backend) RemoveLink(linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links, linkID)
}

// AddConversation stores conv as is.
func (b *Backend) AddConversation(conv Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := conv
	c.Messages = append([]Message(nil), conv.Messages...)
	if _, ok := b.convs[c.ID]; !ok {
		b.convOrder = append(b.convOrder, c.ID)
	}
	b.convs[c.ID] = &c
}

// RemoveConversation forgets a conversation.
func (b *Backend) RemoveConversation(convID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.convs, convID)
}

// Conversation returns a copy of a stored conversation.
func (b *Backend) Conversation(convID string) (Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.convs[convID]
	if !ok {
		return Conversation{}, false
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	return out, true
}

// Post stores a message from the given party and broadcasts it as if it
// had arrived over the event channel.
func (b *Backend) Post(convID, text string, isCreator bool) Message {
	msg, _ := b.store(convID, text, isCreator, "", nil)
	b.broadcastMessage(convID, msg)
	return msg
}

// SetOffline makes the event channel refuse connections.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// HoldReplies buffers load-messages replies until ReleaseReplies.
func (b *Backend) HoldReplies() {
	b.mu.Lock()
	b.holding = true
	b.mu.Unlock()
}

// ReleaseReplies sends the buffered replies in the order they were due.
func (b *Backend) ReleaseReplies() {
	b.mu.Lock()
	held := b.held
	b.held, b.holding = nil, false
	b.mu.Unlock()
	for _, send := range held {
		send()
	}
}

// DropConnections closes every open event channel connection.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Connections returns the number of open event channel connections.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Received returns every event received so far, in arrival order.
func (b *Backend) Received() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Envelope(nil), b.received...)
}

// ReceivedTypes returns the types of Received.
func (b *Backend) ReceivedTypes() []string {
	env := b.Received()
	types := make([]string, len(env))
	for i, e := range env {
		types[i] = e.Type
	}
	return types
}

// Requests returns the number of HTTP requests served, including upgrades.
func (b *Backend) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

// ============================================================================
// REST handlers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (b *Backend) createLink(w http.ResponseWriter, r *http.Request) {
	l := &link{ID: uuid.NewString()[:8], CreatorID: uuid.NewString(), CreatedAt: time.Now().UnixMilli()}
	b.mu.Lock()
	b.links[l.ID] = l
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"linkId": l.ID, "creatorId": l.CreatorID})
}

func (b *Backend) getLink(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	l, ok := b.links[chi.URLParam(r, "linkID")]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Link not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"link": link{ID: l.ID, CreatedAt: l.CreatedAt}})
}

func (b *Backend) verifyLink(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	_, ok := b.links[chi.URLParam(r, "linkID")]
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (b *Backend) listConversations(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "linkID")
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.links[linkID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Link not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": b.conversationsLocked(linkID)})
}

func (b *Backend) conversationsLocked(linkID string) []Conversation {
	out := []Conversation{}
	for _, id := range b.convOrder {
		c, ok := b.convs[id]
		if ok && c.LinkID == linkID {
			out = append(out, *c)
		}
	}
	return out
}

func (b *Backend) createConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LinkID string `json:"linkId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	b.mu.Lock()
	if _, ok := b.links[req.LinkID]; !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Link not found"})
		return
	}
	now := time.Now().UnixMilli()
	conv := &Conversation{ID: uuid.NewString(), LinkID: req.LinkID, CreatedAt: now, LastMessage: now, Messages: []Message{}}
	b.convs[conv.ID] = conv
	b.convOrder = append(b.convOrder, conv.ID)
	out := *conv
	b.mu.Unlock()

	b.broadcastLink(req.LinkID, "new-conversation", map[string]any{"conversation": out})
	writeJSON(w, http.StatusOK, map[string]any{"conversation": out})
}

func (b *Backend) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := b.Conversation(chi.URLParam(r, "convID"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Conversation not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv})
}

// ============================================================================
// Event channel
// ============================================================================

func (b *Backend) serveWS(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	offline := b.offline
	b.mu.Unlock()
	if offline {
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, c)
		b.mu.Unlock()
		conn.Close()
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, env)
		b.mu.Unlock()
		b.handle(c, env)
	}
}

func (b *Backend) handle(c *client, env Envelope) {
	switch env.Type {
	case "join-link":
		var p struct {
			LinkID    string `json:"linkId"`
			CreatorID string `json:"creatorId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		b.mu.Lock()
		l, ok := b.links[p.LinkID]
		if !ok || l.CreatorID != p.CreatorID {
			b.mu.Unlock()
			return
		}
		c.link = p.LinkID
		convs := b.conversationsLocked(p.LinkID)
		b.mu.Unlock()
		c.send("load-conversations", map[string]any{"conversations": convs})

	case "join-conversation":
		var p struct {
			ConvID string `json:"convId"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		b.mu.Lock()
		conv, ok := b.convs[p.ConvID]
		if !ok {
			b.mu.Unlock()
			return
		}
		c.conv = p.ConvID
		msgs := append([]Message{}, conv.Messages...)
		reply := func() { c.send("load-messages", map[string]any{"messages": msgs}) }
		if b.holding {
			b.held = append(b.held, reply)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		reply()

	case "send-message":
		var p struct {
			ConvID    string          `json:"convId"`
			Message   string          `json:"message"`
			IsCreator bool            `json:"isCreator"`
			Image     string          `json:"image"`
			ReplyTo   json.RawMessage `json:"replyTo"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		msg, ok := b.store(p.ConvID, p.Message, p.IsCreator, p.Image, p.ReplyTo)
		if ok {
			b.broadcastMessage(p.ConvID, msg)
		}

	case "typing", "stop-typing":
		var p struct {
			ConvID    string `json:"convId"`
			IsCreator bool   `json:"isCreator"`
		}
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		typ := "user-typing"
		if env.Type == "stop-typing" {
			typ = "user-stop-typing"
		}
		for _, other := range b.room(p.ConvID, c) {
			other.send(typ, map[string]bool{"isCreator": p.IsCreator})
		}
	}
}

func (b *Backend) store(convID, text string, isCreator bool, image string, replyTo json.RawMessage) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.convs[convID]
	if !ok {
		return Message{}, false
	}
	msg := Message{
		ID:        uuid.NewString(),
		Text:      text,
		IsCreator: isCreator,
		Timestamp: time.Now().Add(b.EchoSkew).UnixMilli(),
		Image:     image,
		ReplyTo:   replyTo,
	}
	conv.Messages = append(conv.Messages, msg)
	conv.LastMessage = msg.Timestamp
	return msg, true
}

func (b *Backend) broadcastMessage(convID string, msg Message) {
	for _, c := range b.room(convID, nil) {
		c.send("new-message", map[string]any{"convId": convID, "message": msg})
	}
	conv, ok := b.Conversation(convID)
	if ok {
		b.broadcastLink(conv.LinkID, "conversation-updated", map[string]any{"conversation": conv})
	}
}

func (b *Backend) broadcastLink(linkID, typ string, payload any) {
	b.mu.Lock()
	var targets []*client
	for c := range b.clients {
		if c.link == linkID {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()
	for _, c := range targets {
		c.send(typ, payload)
	}
}

// room returns the clients in convID, except skip.
func (b *Backend) room(convID string, skip *client) []*client {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*client
	for c := range b.clients {
		if c != skip && c.conv == convID {
			out = append(out, c)
		}
	}
	return out
}
