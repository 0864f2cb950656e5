package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a job queue backed by a buffered channel. Used for local runs
// and tests; messages are gone once received.
type MemoryQueue struct {
	ch chan queueMessage
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{ch: make(chan queueMessage, buffer)}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := queueMessage{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message arrives, ctx is done, or waitSeconds elapse.
// A non-positive wait blocks without a deadline.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var deadline <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline:
		return nil, nil
	case msg := <-q.ch:
		out := []queueMessage{msg}
		for len(out) < maxMessages {
			select {
			case next := <-q.ch:
				out = append(out, next)
			default:
				return out, nil
			}
		}
		return out, nil
	}
}

// Delete is a no-op.
func (q *MemoryQueue) Delete(context.Context, string) error { return nil }

// Len reports how many messages are waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }
