// Package worker holds the queue-driven components of the job pipeline:
// dispatcher, archiver, restorer, thaw completer, and notifier. Each runs a
// blocking receive/process loop against one channel; multiple instances of
// the same component compete for messages, so every handler is written to be
// idempotent under duplicate delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/queue"
)

// receiveErrorPause bounds how hard a loop spins when the channel itself is
// failing.
const receiveErrorPause = time.Second

// handlerFunc processes one message. A nil return acknowledges the message;
// an error leaves it unacknowledged for redelivery. Handlers drop permanent
// failures (malformed input) by logging and returning nil.
type handlerFunc func(ctx context.Context, msg queue.Message) error

// runLoop drives a consumer until the context is cancelled. No error from a
// single message ever stops the loop; handler panics are caught and treated
// as handling failures.
func runLoop(ctx context.Context, name string, c queue.Consumer, batch int, wait time.Duration, logger *slog.Logger, handle handlerFunc) error {
	logger.Info("worker started", "worker", name, "batch", batch, "block_wait", wait)

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("worker stopped", "worker", name)
			return err
		}

		msgs, err := c.Receive(ctx, batch, wait)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("receive failed", "worker", name, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveErrorPause):
			}
			continue
		}

		for _, msg := range msgs {
			if err := safeHandle(ctx, handle, msg); err != nil {
				logger.Error("message handling failed, leaving for redelivery",
					"worker", name, "message_id", msg.ID, "error", err)
				continue
			}
			if err := c.Ack(ctx, msg.ID); err != nil {
				logger.Error("ack failed", "worker", name, "message_id", msg.ID, "error", err)
			}
		}
	}
}

func safeHandle(ctx context.Context, handle handlerFunc, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling message: %v", r)
		}
	}()
	return handle(ctx, msg)
}
