// Package queue is the durable message bus between the scheduler, the worker
// pool and the consolidator. Delivery is at-least-once; consumers hold a
// message under a lock that must be renewed, and messages that fail too many
// deliveries land on a dead-letter list.
package queue

import (
	"context"
	"time"
)

// Queue names used by the pipeline.
const (
	WorkItems   = "work-items"
	Consolidate = "consolidate"
)

// DefaultMaxDeliveries is how many times a message is handed out before it
// dead-letters.
const DefaultMaxDeliveries = 5

// Message is one in-flight delivery. Ack, Nack and Renew take the whole
// message so the backend can locate its bookkeeping.
type Message struct {
	ID         string
	Queue      string
	Body       []byte
	Deliveries int
}

// Bus is the durable queue contract. Receive returns (nil, nil) when the
// queue is empty; consumers poll.
type Bus interface {
	// Publish enqueues body on queue. A positive delay holds the message
	// back until the deadline passes (used for the consolidate cooldown).
	Publish(ctx context.Context, queue string, body []byte, delay time.Duration) error

	// Receive pops one message and locks it for lockFor. The message is
	// redelivered to another consumer if the lock expires without an Ack.
	Receive(ctx context.Context, queue string, lockFor time.Duration) (*Message, error)

	// Renew extends the lock on an in-flight message.
	Renew(ctx context.Context, msg *Message, lockFor time.Duration) error

	// Ack removes the message permanently.
	Ack(ctx context.Context, msg *Message) error

	// Nack releases the message after a failure: it is requeued, or moved to
	// the dead-letter list once deliveries are exhausted.
	Nack(ctx context.Context, msg *Message) error

	// DeadLetter moves the message to the dead-letter list immediately.
	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// Depth returns the number of messages waiting on queue (pending plus
	// delayed), for queue-depth driven scaling and the dashboard.
	Depth(ctx context.Context, queue string) (int64, error)
}
