package ochat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Outbox
// ============================================================================

// OutboxOp is an outgoing event waiting for the transport to reconnect.
type OutboxOp struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	// Attempts counts failed writes of this op.
	Attempts int `json:"attempts"`
}

// Outbox is a goroutine-safe FIFO of queued operations. It lives in memory
// only: queued sends do not survive a restart.
type Outbox struct {
	mu  sync.Mutex
	ops []*OutboxOp
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Push appends op, assigning an id and creation time when missing.
func (o *Outbox) Push(op OutboxOp) OutboxOp {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now()
	}
	o.mu.Lock()
	o.ops = append(o.ops, &op)
	o.mu.Unlock()
	return op
}

// Peek returns the oldest op without removing it.
func (o *Outbox) Peek() (OutboxOp, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ops) == 0 {
		return OutboxOp{}, false
	}
	return *o.ops[0], true
}

// Ack removes the op with the given id.
func (o *Outbox) Ack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}

// Nack records a failed write of the op with the given id. The op keeps its
// position at the head of the queue.
func (o *Outbox) Nack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, op := range o.ops {
		if op.ID == id {
			op.Attempts++
			return
		}
	}
}

// Len returns the number of queued ops.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Snapshot returns a copy of the queue in FIFO order.
func (o *Outbox) Snapshot() []OutboxOp {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxOp, len(o.ops))
	for i, op := range o.ops {
		out[i] = *op
	}
	return out
}

// Flush hands queued ops to send in FIFO order, removing each one that
// succeeds. It stops at the first failure, leaving that op and everything
// after it queued, and returns the number of ops sent.
func (o *Outbox) Flush(send func(OutboxOp) error) (int, error) {
	sent := 0
	for {
		op, ok := o.Peek()
		if !ok {
			return sent, nil
		}
		if err := send(op); err != nil {
			o.Nack(op.ID)
			return sent, err
		}
		o.Ack(op.ID)
		sent++
	}
}
