package ochat

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned for any non-2xx backend response.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Timestamp is an instant in Unix milliseconds.
//
// The backend is not consistent about the wire form, so decoding accepts a
// JSON number, a numeric string or an RFC 3339 string. Encoding always
// produces a number.
type Timestamp int64

// TimestampOf returns the timestamp for t.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(t.UnixMilli())
}

// Time converts the timestamp to a time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(int64(ts))
}

// Bucket floors the timestamp to the enclosing second.
func (ts Timestamp) Bucket() Timestamp {
	ms := int64(ts)
	b := ms / 1000 * 1000
	if ms < 0 && ms%1000 != 0 {
		b -= 1000
	}
	return Timestamp(b)
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*ts = 0
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*ts = 0
			return nil
		}
		if f, err := strconv.ParseFloat(str, 64); err == nil {
			return ts.setFloat(f, str)
		}
		t, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", str)
		}
		*ts = TimestampOf(t)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", s)
	}
	return ts.setFloat(f, s)
}

func (ts *Timestamp) setFloat(f float64, raw string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return fmt.Errorf("invalid timestamp %q", raw)
	}
	*ts = Timestamp(int64(f))
	return nil
}

// MessageID is an opaque message id. The backend and older clients emit
// numbers as well as strings; both decode into the same textual form.
type MessageID string

func (id *MessageID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = MessageID(str)
		return nil
	}
	*id = MessageID(s)
	return nil
}

// ============================================================================
// Domain Types
// ============================================================================

// Link is a creator's shareable invite. CreatorID is only known to the
// client that created the link.
type Link struct {
	LinkID    string    `json:"linkId"`
	CreatorID string    `json:"creatorId,omitempty"`
	CreatedAt Timestamp `json:"createdAt,omitempty"`
}

// ReplyRef is a denormalized snapshot of the message being replied to.
type ReplyRef struct {
	ID        MessageID `json:"id,omitempty"`
	Text      string    `json:"text"`
	IsCreator bool      `json:"isCreator"`
	HasImage  bool      `json:"hasImage,omitempty"`
}

// MessageStatus is the client-side delivery state of a message.
type MessageStatus int

const (
	// StatusConfirmed messages came from the backend or were echoed back.
	StatusConfirmed MessageStatus = iota
	// StatusOptimistic messages were transmitted and await their echo.
	StatusOptimistic
	// StatusPending messages are queued until the transport reconnects.
	StatusPending
)

func (s MessageStatus) String() string {
	switch s {
	case StatusOptimistic:
		return "optimistic"
	case StatusPending:
		return "pending"
	default:
		return "confirmed"
	}
}

// Message is one chat utterance. Status is never serialized, so a reload
// never resurrects a pending flag.
type Message struct {
	ID        MessageID     `json:"id,omitempty"`
	Text      string        `json:"text"`
	IsCreator bool          `json:"isCreator"`
	Timestamp Timestamp     `json:"timestamp"`
	Image     string        `json:"image,omitempty"`
	ReplyTo   *ReplyRef     `json:"replyTo,omitempty"`
	Status    MessageStatus `json:"-"`
}

// Conversation is one anonymous participant's thread against a link.
type Conversation struct {
	ID          string    `json:"id"`
	LinkID      string    `json:"linkId,omitempty"`
	CreatedAt   Timestamp `json:"createdAt,omitempty"`
	LastMessage Timestamp `json:"lastMessage,omitempty"`
	Messages    []Message `json:"messages"`
}

// clone returns a copy whose message slice can be mutated freely.
func (c Conversation) clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// latest returns the newest of LastMessage and the last message timestamp.
func (c Conversation) latest() Timestamp {
	ts := c.LastMessage
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Timestamp > ts {
		ts = c.Messages[n-1].Timestamp
	}
	return ts
}

// ReadMarker records how many messages of a conversation have been seen.
type ReadMarker struct {
	ConvID               string    `json:"-"`
	ReadUpToMessageCount int       `json:"readUpToMessageCount"`
	Timestamp            Timestamp `json:"timestamp"`
}

// ChatHistoryEntry lets an anonymous participant return to a conversation
// from a bare link.
type ChatHistoryEntry struct {
	LinkID     string    `json:"linkId"`
	ConvID     string    `json:"convId"`
	JoinedAt   Timestamp `json:"joinedAt"`
	LastActive Timestamp `json:"lastActive"`
}

// ConversationState is the lifecycle of the open conversation.
type ConversationState string

const (
	StateEmpty   ConversationState = "empty"
	StateLoading ConversationState = "loading"
	StateLive    ConversationState = "live"
)

// InboxEntry is a conversation in the creator's list with its unread count.
type InboxEntry struct {
	Conversation Conversation `json:"conversation"`
	Unread       int          `json:"unread"`
}

// ============================================================================
// REST Response Types
// ============================================================================

// CreateLinkResult is returned by POST /api/links/create.
type CreateLinkResult struct {
	LinkID    string `json:"linkId"`
	CreatorID string `json:"creatorId"`
}

type linkResponse struct {
	Link *Link `json:"link"`
}

type verifyResponse struct {
	Exists bool `json:"exists"`
}

type conversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type conversationResponse struct {
	Conversation *Conversation `json:"conversation"`
}
