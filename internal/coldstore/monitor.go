package coldstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/pkg/models"
)

const monitorBatch = 100

// Monitor is the vault's provider side: it watches for retrievals whose
// tier delay has elapsed, verifies the archived blob is still present, and
// publishes the retrieval callback on the thaw channel. One callback is
// published per finished retrieval, success or failure.
type Monitor struct {
	vault     *Vault
	callbacks queue.Publisher
	interval  time.Duration
	logger    *slog.Logger
}

// NewMonitor creates a Monitor publishing callbacks on the given channel.
func NewMonitor(vault *Vault, callbacks queue.Publisher, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{vault: vault, callbacks: callbacks, interval: interval, logger: logger}
}

// Run polls for due retrievals until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("retrieval monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retrieval monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				m.logger.Error("retrieval sweep failed", "error", err)
			}
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) error {
	ids, err := m.vault.dueRetrievals(ctx, time.Now(), monitorBatch)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := m.complete(ctx, id); err != nil {
			m.logger.Error("failed to complete retrieval", "retrieval_id", id, "error", err)
		}
	}
	return nil
}

func (m *Monitor) complete(ctx context.Context, id string) error {
	handle, err := m.vault.retrievalHandle(ctx, id)
	if err != nil {
		return err
	}

	// A retrieval of a deleted or corrupt archive fails terminally.
	status := models.RetrievalSucceeded
	if _, err := m.vault.blobs.Get(ctx, handle); err != nil {
		if !errors.Is(err, objstore.ErrNotFound) {
			return err // transient store error, retry next sweep
		}
		status = models.RetrievalFailed
	}

	if err := m.vault.finishRetrieval(ctx, id, status); err != nil {
		return err
	}

	payload, err := json.Marshal(models.RetrievalCallback{
		RetrievalID:   id,
		ArchiveHandle: handle,
		StatusCode:    status,
	})
	if err != nil {
		return err
	}
	if err := m.callbacks.Publish(ctx, payload); err != nil {
		return err
	}

	m.logger.Info("retrieval finished", "retrieval_id", id, "status", status)
	return nil
}
