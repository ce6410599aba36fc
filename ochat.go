// Package ochat is the client engine for an anonymous link-based chat
// service.
//
// It merges cached, fetched and live messages into one duplicate-free,
// time-ordered transcript, tracks unread counts and keeps sends made while
// offline until the event channel reconnects.
//
// Example:
//
//	store, _ := ochat.OpenPebbleStorage(dir)
//	m := ochat.New(ochat.Options{Storage: store})
//	m.Start(ctx)
//	defer m.Close()
//
//	conv, _ := m.JoinLink(ctx, "abc123")
//	m.Send(ctx, ochat.SendOptions{Text: "hi"})
package ochat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://anonym-backend.onrender.com"
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrLinkNotFound means the backend does not know the link or it expired.
	ErrLinkNotFound = errors.New("link not found or expired")
	// ErrConversationNotFound means the backend lost the conversation.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrNotConnected is returned by Session.Emit while the channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrSuperseded is returned by an OpenConversation whose result was
	// discarded because another conversation was opened meanwhile.
	ErrSuperseded = errors.New("superseded by a newer conversation")
	// ErrNoActiveConversation is returned by sends with no open conversation.
	ErrNoActiveConversation = errors.New("no active conversation")
	// ErrEmptyMessage is returned when sending neither text nor image.
	ErrEmptyMessage = errors.New("message has no text or image")
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client of the chat backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	Links         *LinksClient
	Conversations *ConversationsClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Links = &LinksClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	return c
}

// BaseURL returns the backend origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the event channel endpoint derived from the base URL.
func (c *Client) RealtimeURL() string {
	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &errBody) == nil {
			apiErr.Message = errBody.Error
			if apiErr.Message == "" {
				apiErr.Message = errBody.Message
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ============================================================================
// Links
// ============================================================================

// LinksClient covers /api/links.
type LinksClient struct{ c *Client }

// Create issues a new link. The returned creator id is the only proof of
// ownership and must be kept by the caller.
func (l *LinksClient) Create(ctx context.Context) (*CreateLinkResult, error) {
	data, err := l.c.doRequest(ctx, http.MethodPost, "/api/links/create", nil)
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	res, err := decodeJSON[CreateLinkResult](data)
	if err != nil {
		return nil, err
	}
	if res.LinkID == "" {
		return nil, fmt.Errorf("create link: empty link id in response")
	}
	return res, nil
}

// Get fetches a link. A null link or a 404 yields ErrLinkNotFound.
func (l *LinksClient) Get(ctx context.Context, linkID string) (*Link, error) {
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/links/"+url.PathEscape(linkID), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get link %s: %w", linkID, ErrLinkNotFound)
		}
		return nil, fmt.Errorf("get link %s: %w", linkID, err)
	}
	res, err := decodeJSON[linkResponse](data)
	if err != nil {
		return nil, err
	}
	if res.Link == nil {
		return nil, fmt.Errorf("get link %s: %w", linkID, ErrLinkNotFound)
	}
	if res.Link.LinkID == "" {
		res.Link.LinkID = linkID
	}
	return res.Link, nil
}

// Verify reports whether a link exists.
func (l *LinksClient) Verify(ctx context.Context, linkID string) (bool, error) {
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/links/"+url.PathEscape(linkID)+"/verify", nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("verify link %s: %w", linkID, err)
	}
	res, err := decodeJSON[verifyResponse](data)
	if err != nil {
		return false, err
	}
	return res.Exists, nil
}

// Conversations lists the conversations opened against a link.
func (l *LinksClient) Conversations(ctx context.Context, linkID string) ([]Conversation, error) {
	data, err := l.c.doRequest(ctx, http.MethodGet, "/api/links/"+url.PathEscape(linkID)+"/conversations", nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("list conversations of %s: %w", linkID, ErrLinkNotFound)
		}
		return nil, fmt.Errorf("list conversations of %s: %w", linkID, err)
	}
	res, err := decodeJSON[conversationsResponse](data)
	if err != nil {
		return nil, err
	}
	if res.Conversations == nil {
		return []Conversation{}, nil
	}
	return res.Conversations, nil
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationsClient covers /api/conversations.
type ConversationsClient struct{ c *Client }

// Create opens a new anonymous conversation against linkID.
func (cv *ConversationsClient) Create(ctx context.Context, linkID string) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/api/conversations/create", map[string]string{"linkId": linkID})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("create conversation: %w", ErrLinkNotFound)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	res, err := decodeJSON[conversationResponse](data)
	if err != nil {
		return nil, err
	}
	if res.Conversation == nil || res.Conversation.ID == "" {
		return nil, fmt.Errorf("create conversation: empty conversation in response")
	}
	if res.Conversation.LinkID == "" {
		res.Conversation.LinkID = linkID
	}
	return res.Conversation, nil
}

// Get fetches a conversation with its messages.
func (cv *ConversationsClient) Get(ctx context.Context, convID string) (*Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(convID), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get conversation %s: %w", convID, ErrConversationNotFound)
		}
		return nil, fmt.Errorf("get conversation %s: %w", convID, err)
	}
	res, err := decodeJSON[conversationResponse](data)
	if err != nil {
		return nil, err
	}
	if res.Conversation == nil {
		return nil, fmt.Errorf("get conversation %s: %w", convID, ErrConversationNotFound)
	}
	if res.Conversation.ID == "" {
		res.Conversation.ID = convID
	}
	return res.Conversation, nil
}
