// Package queue implements a durable FIFO-per-document work queue with
// visibility timeout, ack/nack, and poison-message handling, per §4.B of
// the ingestion pipeline specification.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no message is currently visible.
var ErrEmpty = errors.New("queue: empty")

// DefaultMaxAttempts is the default poison threshold before a message is
// moved to the dead-letter area.
const DefaultMaxAttempts = 20

// Message is the opaque envelope carried by the queue, identifying the
// document whose pipeline the orchestrator should advance next.
type Message struct {
	Index        string
	DocumentID   string
	AttemptCount int
}

// OrderingKey returns the per-document ordering key used by FIFO delivery.
func (m Message) OrderingKey() string {
	return m.Index + "/" + m.DocumentID
}

// Lease identifies an in-flight dequeued message. Token is opaque to callers
// and must be passed back to Ack/Nack unmodified.
type Lease struct {
	Token   string
	Message Message
}

// Queue is the capability set every backend implements: enqueue, dequeue,
// ack, and nack, per §4.B.
type Queue interface {
	// Enqueue makes msg visible for delivery. Per (index, document_id),
	// messages are delivered in the order they were enqueued.
	Enqueue(ctx context.Context, msg Message) error
	// EnqueueDelayed makes msg visible only after delay has elapsed.
	EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error
	// Dequeue claims the next visible message for this (index, document_id)
	// FIFO order, returning ErrEmpty if nothing is visible. The returned
	// lease becomes invisible to other consumers until Ack, Nack, or lease
	// expiry (visibility timeout).
	Dequeue(ctx context.Context) (Lease, error)
	// Ack confirms successful processing and permanently removes the message.
	Ack(ctx context.Context, token string) error
	// Nack returns the message to visible state after delay, incrementing
	// its failure counter. Once the counter exceeds maxAttempts the message
	// moves to the dead-letter area instead of becoming visible again.
	Nack(ctx context.Context, token string, delay time.Duration) error
	// DeadLettered returns the documents currently parked in the dead-letter
	// area, surfaced through the Status Reporter.
	DeadLettered(ctx context.Context) ([]Message, error)
}
