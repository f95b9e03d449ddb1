package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Fan-out channels deliver payloads inside a one-level notification
// envelope, so subscribers unwrap exactly once before decoding the payload.
type envelope struct {
	Message string `json:"Message"`
}

// Wrap encloses a payload in the notification envelope.
func Wrap(payload []byte) ([]byte, error) {
	b, err := json.Marshal(envelope{Message: string(payload)})
	if err != nil {
		return nil, fmt.Errorf("wrap notification: %w", err)
	}
	return b, nil
}

// Unwrap extracts the payload from a notification envelope.
func Unwrap(body []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unwrap notification: %w", err)
	}
	if env.Message == "" {
		return nil, fmt.Errorf("unwrap notification: empty message")
	}
	return []byte(env.Message), nil
}

// FanoutPublisher wraps every published payload in the notification envelope
// before handing it to the underlying channel.
type FanoutPublisher struct {
	inner Publisher
}

// NewFanoutPublisher creates a FanoutPublisher over the given channel.
func NewFanoutPublisher(inner Publisher) *FanoutPublisher {
	return &FanoutPublisher{inner: inner}
}

func (p *FanoutPublisher) Publish(ctx context.Context, body []byte) error {
	wrapped, err := Wrap(body)
	if err != nil {
		return err
	}
	return p.inner.Publish(ctx, wrapped)
}
