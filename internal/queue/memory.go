package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// envelope is the internal wrapper tracking a queued message's state.
type envelope struct {
	msg          Message
	failureCount int
	visibleAt    time.Time
}

type inflightEntry struct {
	env         *envelope
	orderingKey string
	expiresAt   time.Time
}

// MemoryQueue is a single-process, in-memory Queue used for tests and
// embedded deployments with no durability requirement.
type MemoryQueue struct {
	mu                sync.Mutex
	queues            map[string][]*envelope
	inFlight          map[string]*inflightEntry
	dead              []*envelope
	visibilityTimeout time.Duration
	maxAttempts       int
}

// NewMemoryQueue creates a MemoryQueue with the given visibility timeout and
// poison threshold. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewMemoryQueue(visibilityTimeout time.Duration, maxAttempts int) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		queues:            make(map[string][]*envelope),
		inFlight:          make(map[string]*inflightEntry),
		visibilityTimeout: visibilityTimeout,
		maxAttempts:       maxAttempts,
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	return q.EnqueueDelayed(ctx, msg, 0)
}

func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := msg.OrderingKey()
	q.queues[key] = append(q.queues[key], &envelope{
		msg:       msg,
		visibleAt: time.Now().Add(delay),
	})
	return nil
}

// sweepExpiredLocked returns leases whose visibility timeout elapsed back to
// their originating queue, at the front, without touching the failure
// counter: lease expiry is not a delivery attempt.
func (q *MemoryQueue) sweepExpiredLocked(now time.Time) {
	for token, entry := range q.inFlight {
		if now.After(entry.expiresAt) {
			delete(q.inFlight, token)
			q.queues[entry.orderingKey] = prepend(q.queues[entry.orderingKey], entry.env)
		}
	}
}

func prepend(s []*envelope, e *envelope) []*envelope {
	return append([]*envelope{e}, s...)
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.sweepExpiredLocked(now)

	for key, envs := range q.queues {
		if len(envs) == 0 {
			continue
		}
		head := envs[0]
		if head.visibleAt.After(now) {
			continue
		}

		q.queues[key] = envs[1:]

		msg := head.msg
		msg.AttemptCount = head.failureCount + 1

		token := uuid.New().String()
		q.inFlight[token] = &inflightEntry{
			env:         head,
			orderingKey: key,
			expiresAt:   now.Add(q.visibilityTimeout),
		}

		return Lease{Token: token, Message: msg}, nil
	}

	return Lease{}, ErrEmpty
}

func (q *MemoryQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inFlight, token)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, token string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inFlight[token]
	if !ok {
		return nil
	}
	delete(q.inFlight, token)

	entry.env.failureCount++
	if entry.env.failureCount >= q.maxAttempts {
		q.dead = append(q.dead, entry.env)
		return nil
	}

	entry.env.visibleAt = time.Now().Add(delay)
	q.queues[entry.orderingKey] = prepend(q.queues[entry.orderingKey], entry.env)
	return nil
}

func (q *MemoryQueue) DeadLettered(ctx context.Context) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := make([]Message, 0, len(q.dead))
	for _, e := range q.dead {
		m := e.msg
		m.AttemptCount = e.failureCount
		msgs = append(msgs, m)
	}
	return msgs, nil
}
