package ochat

import "time"

// Tracker computes unread counts from persisted read markers. Only messages
// from the anonymous party count as unread; the anonymous party is always
// inside its single conversation.
type Tracker struct {
	cache *Cache
	now   func() time.Time
}

// NewTracker creates a tracker backed by cache.
func NewTracker(cache *Cache) *Tracker {
	return &Tracker{cache: cache, now: cache.now}
}

// ComputeUnread returns the unread count of conv against its read marker.
func (t *Tracker) ComputeUnread(conv Conversation) int {
	marker, ok := t.cache.ReadMarker(conv.ID)
	if !ok {
		return countIncoming(conv.Messages)
	}
	if len(conv.Messages) <= marker.ReadUpToMessageCount {
		return 0
	}
	return countIncoming(conv.Messages[marker.ReadUpToMessageCount:])
}

// MarkRead records that the first count messages of convID were seen. The
// marker never moves backwards; it reports whether the marker was written.
func (t *Tracker) MarkRead(convID string, count int) bool {
	if prev, ok := t.cache.ReadMarker(convID); ok && count < prev.ReadUpToMessageCount {
		return false
	}
	t.cache.PutReadMarker(ReadMarker{
		ConvID:               convID,
		ReadUpToMessageCount: count,
		Timestamp:            TimestampOf(t.now()),
	})
	return true
}

// Delta counts messages from the anonymous party appended to conv after the
// first prevCount messages.
func (t *Tracker) Delta(prevCount int, conv Conversation) int {
	if prevCount < 0 {
		prevCount = 0
	}
	if len(conv.Messages) <= prevCount {
		return 0
	}
	return countIncoming(conv.Messages[prevCount:])
}

func countIncoming(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if !m.IsCreator {
			n++
		}
	}
	return n
}
