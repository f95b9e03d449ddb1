package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// NewClient creates a go-redis client from a Redis URL.
func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// StreamPublisher appends messages to one Redis stream.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

// NewStreamPublisher creates a publisher for the given stream.
func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Publish(ctx context.Context, body []byte) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{bodyField: body},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

// StreamConsumer consumes one Redis stream through a consumer group.
// Multiple instances of a component share a group and compete for entries;
// distinct groups on the same stream each see every entry (fan-out).
//
// An entry read but not acked stays in the group's pending list. Receive
// first reclaims pending entries idle longer than minIdle, which is how
// messages from a crashed instance get redelivered.
type StreamConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	minIdle  time.Duration
}

// NewStreamConsumer creates the consumer group if needed and returns a
// consumer with a process-unique name.
func NewStreamConsumer(ctx context.Context, client *redis.Client, stream, group string, minIdle time.Duration) (*StreamConsumer, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}

	host, _ := os.Hostname()
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		minIdle:  minIdle,
	}, nil
}

func (c *StreamConsumer) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	// Stale pending entries from dead consumers first.
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.minIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim pending on %s: %w", c.stream, err)
	}
	if len(claimed) > 0 {
		return toMessages(claimed), nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		msgs = append(msgs, toMessages(s.Messages)...)
	}
	return msgs, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, c.stream, err)
	}
	return nil
}

func toMessages(entries []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		body, _ := e.Values[bodyField].(string)
		msgs = append(msgs, Message{ID: e.ID, Body: []byte(body)})
	}
	return msgs
}
