package ochat

import (
	"sync"

	"github.com/rs/zerolog"
)

// Engine events, delivered to handlers registered with Engine.On.
const (
	// EventConversationUpdated carries a Conversation snapshot of the open
	// conversation after every change.
	EventConversationUpdated = "conversation.updated"
	// EventConversationState carries a StateChange.
	EventConversationState = "conversation.state"
	// EventMessageLocal carries the optimistic Message created by a send.
	EventMessageLocal = "message.local"
	// EventMessageReceived carries a Message appended from the live channel.
	EventMessageReceived = "message.received"
	// EventMessageConfirmed carries the Message corrected by its echo.
	EventMessageConfirmed = "message.confirmed"
	// EventMessageStatus carries a Message whose status changed.
	EventMessageStatus = "message.status"
	// EventConversationsUpdated carries the []InboxEntry conversation list.
	EventConversationsUpdated = "conversations.updated"
	// EventTypingChanged carries a TypingState.
	EventTypingChanged = "typing.changed"
	// EventFetchFailed carries the error of a fetch that fell back to cache.
	EventFetchFailed = "fetch.failed"
)

// StateChange is the payload of EventConversationState.
type StateChange struct {
	ConvID string
	State  ConversationState
}

// TypingState is the payload of EventTypingChanged.
type TypingState struct {
	Active    bool
	IsCreator bool
}

// ============================================================================
// Event Emitter
// ============================================================================

// EventHandler handles engine events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	logger    *zerolog.Logger
}

func newEmitter(logger *zerolog.Logger) emitter {
	return emitter{listeners: make(map[string][]EventHandler), logger: logger}
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic", r).Str("event", event).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
