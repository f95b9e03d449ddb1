package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/coldstore"
	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
)

const thawBatch = 10

// ThawCompleter consumes retrieval callbacks from the cold store and moves
// retrieved results back into the hot store. Callbacks are acked on every
// outcome: the cold store reports each retrieval exactly once and a callback
// that cannot be applied is logged rather than replayed forever.
type ThawCompleter struct {
	callbacks queue.Consumer
	registry  registry.Store
	results   objstore.Store
	vault     coldstore.ColdStore
	blockWait time.Duration
	logger    *slog.Logger
}

// NewThawCompleter creates a ThawCompleter.
func NewThawCompleter(callbacks queue.Consumer, reg registry.Store, results objstore.Store, vault coldstore.ColdStore, blockWait time.Duration, logger *slog.Logger) *ThawCompleter {
	return &ThawCompleter{
		callbacks: callbacks,
		registry:  reg,
		results:   results,
		vault:     vault,
		blockWait: blockWait,
		logger:    logger,
	}
}

// Run processes retrieval callbacks until the context is cancelled.
func (t *ThawCompleter) Run(ctx context.Context) error {
	return runLoop(ctx, "thaw-completer", t.callbacks, thawBatch, t.blockWait, t.logger, t.handle)
}

func (t *ThawCompleter) handle(ctx context.Context, msg queue.Message) error {
	payload, err := queue.Unwrap(msg.Body)
	if err != nil {
		t.logger.Error("dropping malformed retrieval callback", "message_id", msg.ID, "error", err)
		return nil
	}

	var cb models.RetrievalCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		t.logger.Error("dropping undecodable retrieval callback", "message_id", msg.ID, "error", err)
		return nil
	}

	if cb.StatusCode != models.RetrievalSucceeded {
		t.logger.Error("retrieval failed", "retrieval_id", cb.RetrievalID, "archive_handle", cb.ArchiveHandle, "status", cb.StatusCode)
		return nil
	}

	data, err := t.vault.GetOutput(ctx, cb.RetrievalID)
	if err != nil {
		t.logger.Error("failed to fetch retrieval output", "retrieval_id", cb.RetrievalID, "error", err)
		return nil
	}

	jobs, err := t.registry.ListJobsByArchiveHandle(ctx, cb.ArchiveHandle)
	if err != nil {
		t.logger.Error("failed to list jobs for archive handle", "archive_handle", cb.ArchiveHandle, "error", err)
		return nil
	}
	if len(jobs) == 0 {
		t.logger.Info("no jobs reference archive handle", "archive_handle", cb.ArchiveHandle)
		return nil
	}

	restored := 0
	for _, job := range jobs {
		if err := t.restore(ctx, job, data); err != nil {
			t.logger.Error("failed to restore job result", "job_id", job.ID, "error", err)
			continue
		}
		restored++
	}

	// The archived blob is deleted only once at least one job holds the
	// hot copy again; otherwise it stays retrievable for another attempt.
	if restored > 0 {
		if err := t.vault.Delete(ctx, cb.ArchiveHandle); err != nil {
			t.logger.Error("failed to delete archived blob", "archive_handle", cb.ArchiveHandle, "error", err)
		}
		t.logger.Info("thaw completed", "archive_handle", cb.ArchiveHandle, "jobs_restored", restored)
	}
	return nil
}

func (t *ThawCompleter) restore(ctx context.Context, job *models.Job, data []byte) error {
	if job.LogLocation == nil {
		t.logger.Error("archived job has no log location", "job_id", job.ID)
		return nil
	}
	resultKey := resultKeyFromLog(*job.LogLocation)

	if err := t.results.Put(ctx, resultKey, data); err != nil {
		return err
	}
	if err := t.registry.RestoreResult(ctx, job.ID, resultKey); err != nil {
		return err
	}

	t.logger.Info("job result restored", "job_id", job.ID, "result_location", resultKey)
	return nil
}
