package queue

import (
	"context"
	"time"
)

// Message is one delivered queue entry. ID is the acknowledgement token; a
// message that is never acked becomes visible to another consumer after the
// channel's visibility window.
type Message struct {
	ID   string
	Body []byte
}

// Consumer is the bounded-wait receive primitive every worker loop runs on.
// Receive blocks up to wait for at least one message and returns up to max;
// an empty slice with a nil error means the wait expired with nothing to do.
// Delivery is at least once: handlers must be idempotent.
type Consumer interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	Ack(ctx context.Context, id string) error
}

// Publisher appends a message to a channel.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}
