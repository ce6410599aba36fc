package ochat

import (
	"context"
	"unicode/utf8"
)

const previewLength = 50

// Notification describes a message from the other party that arrived while
// the user was not looking.
type Notification struct {
	ConvID    string    `json:"convId"`
	Preview   string    `json:"preview"`
	IsCreator bool      `json:"isCreator"`
	HasImage  bool      `json:"hasImage"`
	Timestamp Timestamp `json:"timestamp"`
}

// NewNotification builds the notification for msg.
func NewNotification(convID string, msg Message) Notification {
	return Notification{
		ConvID:    convID,
		Preview:   preview(msg.Text),
		IsCreator: msg.IsCreator,
		HasImage:  msg.Image != "",
		Timestamp: msg.Timestamp,
	}
}

// Notifier is the side effect run for a Notification. It is called on the
// event goroutine and should return quickly.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "..."
}
