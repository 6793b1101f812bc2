package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/culturemate/together-chat/backend/internal/model/chat"
)

// ErrOutboxFull is returned when the outbound buffer reached its limit.
var ErrOutboxFull = errors.New("outbound queue is full")

// DeliverFunc sends one draft over the transport.
type DeliverFunc func(ctx context.Context, draft chat.Draft) error

// Outbox buffers drafts composed while the transport is unavailable and
// drains them in FIFO order once it is connected.
type Outbox struct {
	mu     sync.Mutex
	limit  int
	drafts []chat.Draft
}

// NewOutbox returns an outbox holding at most limit drafts (0 = unbounded).
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

// Enqueue appends a draft without blocking.
func (o *Outbox) Enqueue(d chat.Draft) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.limit > 0 && len(o.drafts) >= o.limit {
		return ErrOutboxFull
	}
	o.drafts = append(o.drafts, d)
	return nil
}

// Flush delivers buffered drafts in order. The first failing draft is put
// back at the head and draining stops, so a later Flush resumes from it.
func (o *Outbox) Flush(ctx context.Context, deliver DeliverFunc) (int, error) {
	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		d, ok := o.pop()
		if !ok {
			return sent, nil
		}

		if err := deliver(ctx, d); err != nil {
			o.pushFront(d)
			return sent, err
		}
		sent++
	}
}

func (o *Outbox) pop() (chat.Draft, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.drafts) == 0 {
		return chat.Draft{}, false
	}
	d := o.drafts[0]
	o.drafts = o.drafts[1:]
	return d, true
}

func (o *Outbox) pushFront(d chat.Draft) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drafts = append([]chat.Draft{d}, o.drafts...)
}

// Len returns the number of buffered drafts.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.drafts)
}

// Pending returns a copy of the buffered drafts in delivery order.
func (o *Outbox) Pending() []chat.Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]chat.Draft(nil), o.drafts...)
}

// Discard drops every buffered draft and returns how many were dropped.
func (o *Outbox) Discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.drafts)
	o.drafts = nil
	return n
}
