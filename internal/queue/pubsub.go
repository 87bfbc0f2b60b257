package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubQueue is the distributed Queue backend, wrapping Cloud Pub/Sub.
// FIFO-per-document delivery uses Pub/Sub's native ordering keys, and
// visibility timeout is delegated to the subscription's ack deadline:
// Nack extends delivery by acking the original message and republishing
// with a delay, since Pub/Sub has no per-message variable redelivery delay.
type PubSubQueue struct {
	client    *pubsub.Client
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	deadTopic *pubsub.Topic

	maxAttempts int

	mu       chan struct{} // binary semaphore guarding inflight
	inflight map[string]*pubsubLease
}

type pubsubLease struct {
	msg    *pubsub.Message
	parsed Message
}

// NewPubSubQueue creates a PubSubQueue against an existing topic and
// subscription (the subscription must have message ordering enabled, and
// its ack deadline configures the effective visibility timeout). deadTopic
// receives messages that exceed maxAttempts; it may be nil to disable
// dead-lettering at this layer (e.g. when the subscription already has a
// native Pub/Sub dead-letter policy attached).
func NewPubSubQueue(client *pubsub.Client, topic *pubsub.Topic, sub *pubsub.Subscription, deadTopic *pubsub.Topic, maxAttempts int) *PubSubQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PubSubQueue{
		client:      client,
		topic:       topic,
		sub:         sub,
		deadTopic:   deadTopic,
		maxAttempts: maxAttempts,
		mu:          make(chan struct{}, 1),
		inflight:    make(map[string]*pubsubLease),
	}
}

// pubsubEnvelope is the JSON payload carried inside the Pub/Sub message body.
type pubsubEnvelope struct {
	Index        string `json:"index"`
	DocumentID   string `json:"documentId"`
	AttemptCount int    `json:"attemptCount"`
}

func (q *PubSubQueue) publish(ctx context.Context, topic *pubsub.Topic, env pubsubEnvelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue.PubSubQueue: marshal: %w", err)
	}
	if delay > 0 {
		// Pub/Sub has no native delayed delivery; callers that need delay
		// semantics (exponential backoff on retry_later) are expected to
		// hold the republish until delay elapses, mirroring how the
		// orchestrator already waits between outcome interpretation and
		// the next dequeue attempt.
		time.Sleep(delay)
	}
	result := topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: env.Index + "/" + env.DocumentID,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("queue.PubSubQueue: publish: %w", err)
	}
	return nil
}

func (q *PubSubQueue) Enqueue(ctx context.Context, msg Message) error {
	return q.EnqueueDelayed(ctx, msg, 0)
}

func (q *PubSubQueue) EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	env := pubsubEnvelope{Index: msg.Index, DocumentID: msg.DocumentID, AttemptCount: msg.AttemptCount}
	return q.publish(ctx, q.topic, env, delay)
}

// Dequeue blocks on sub.Receive until a single message arrives, then stops
// receiving and returns it as a Lease. Ack/Nack operate against the
// message's own acknowledgment handle held in q.inflight.
func (q *PubSubQueue) Dequeue(ctx context.Context) (Lease, error) {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		result Lease
		recvErr error
		got    bool
	)

	err := q.sub.Receive(recvCtx, func(_ context.Context, m *pubsub.Message) {
		if got {
			// Already claimed one message this call; let redelivery handle
			// this one on a future Dequeue.
			m.Nack()
			return
		}
		got = true

		var env pubsubEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			recvErr = fmt.Errorf("queue.PubSubQueue.Dequeue: decode: %w", err)
			m.Nack()
			cancel()
			return
		}

		token := m.ID + ":" + m.AckID
		msg := Message{Index: env.Index, DocumentID: env.DocumentID, AttemptCount: env.AttemptCount + 1}

		q.mu <- struct{}{}
		q.inflight[token] = &pubsubLease{msg: m, parsed: msg}
		<-q.mu

		result = Lease{Token: token, Message: msg}
		cancel()
	})
	if err != nil && recvErr == nil {
		return Lease{}, fmt.Errorf("queue.PubSubQueue.Dequeue: %w", err)
	}
	if recvErr != nil {
		return Lease{}, recvErr
	}
	if !got {
		return Lease{}, ErrEmpty
	}
	return result, nil
}

func (q *PubSubQueue) takeLease(token string) (*pubsubLease, bool) {
	q.mu <- struct{}{}
	defer func() { <-q.mu }()
	lease, ok := q.inflight[token]
	if ok {
		delete(q.inflight, token)
	}
	return lease, ok
}

func (q *PubSubQueue) Ack(ctx context.Context, token string) error {
	lease, ok := q.takeLease(token)
	if !ok {
		return nil
	}
	lease.msg.Ack()
	return nil
}

// Nack acks the original delivery (Pub/Sub redelivery timing is not under
// our control) and republishes the envelope with an incremented attempt
// count after delay, or to deadTopic once maxAttempts is exceeded.
func (q *PubSubQueue) Nack(ctx context.Context, token string, delay time.Duration) error {
	lease, ok := q.takeLease(token)
	if !ok {
		return nil
	}
	lease.msg.Ack()

	env := pubsubEnvelope{
		Index:        lease.parsed.Index,
		DocumentID:   lease.parsed.DocumentID,
		AttemptCount: lease.parsed.AttemptCount,
	}

	if env.AttemptCount > q.maxAttempts {
		if q.deadTopic == nil {
			return nil
		}
		return q.publish(ctx, q.deadTopic, env, 0)
	}

	return q.publish(ctx, q.topic, env, delay)
}

// DeadLettered is not supported directly: once messages are handed to
// deadTopic (or a subscription-level dead-letter policy), surfacing them
// is the responsibility of a Status Reporter reading that topic's own
// subscription, not this Queue's in-process state.
func (q *PubSubQueue) DeadLettered(ctx context.Context) ([]Message, error) {
	return nil, fmt.Errorf("queue.PubSubQueue.DeadLettered: not supported, read deadTopic's subscription instead")
}

var _ Queue = (*PubSubQueue)(nil)
