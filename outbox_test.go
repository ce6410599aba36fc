package ochat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox(t *testing.T) {
	t.Run("push assigns id and time", func(t *testing.T) {
		o := NewOutbox()
		op := o.Push(OutboxOp{Event: EventSendMessage})
		assert.NotEmpty(t, op.ID)
		assert.False(t, op.CreatedAt.IsZero())
		assert.Equal(t, 1, o.Len())
	})

	t.Run("keeps caller id", func(t *testing.T) {
		o := NewOutbox()
		op := o.Push(OutboxOp{ID: "m1"})
		assert.Equal(t, "m1", op.ID)
	})

	t.Run("ack and nack", func(t *testing.T) {
		o := NewOutbox()
		o.Push(OutboxOp{ID: "a"})
		o.Push(OutboxOp{ID: "b"})

		o.Nack("a")
		head, ok := o.Peek()
		require.True(t, ok)
		assert.Equal(t, "a", head.ID)
		assert.Equal(t, 1, head.Attempts)

		o.Ack("a")
		head, _ = o.Peek()
		assert.Equal(t, "b", head.ID)

		o.Ack("unknown")
		assert.Equal(t, 1, o.Len())
	})
}

func TestOutboxFlush(t *testing.T) {
	t.Run("fifo", func(t *testing.T) {
		o := NewOutbox()
		for _, id := range []string{"1", "2", "3"} {
			o.Push(OutboxOp{ID: id})
		}

		var got []string
		n, err := o.Flush(func(op OutboxOp) error {
			got = append(got, op.ID)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"1", "2", "3"}, got)
		assert.Zero(t, o.Len())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		o := NewOutbox()
		for _, id := range []string{"1", "2", "3"} {
			o.Push(OutboxOp{ID: id})
		}
		boom := errors.New("boom")

		n, err := o.Flush(func(op OutboxOp) error {
			if op.ID == "2" {
				return boom
			}
			return nil
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, n)
		left := o.Snapshot()
		require.Len(t, left, 2)
		assert.Equal(t, "2", left[0].ID)
		assert.Equal(t, 1, left[0].Attempts)

		var got []string
		_, err = o.Flush(func(op OutboxOp) error {
			got = append(got, op.ID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"2", "3"}, got)
	})
}
