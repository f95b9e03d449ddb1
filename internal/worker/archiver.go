package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/coldstore"
	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/profile"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
)

const archiveBatch = 10

// Archiver consumes completion events and migrates free-tier results to the
// cold archive store. The hot object is deleted only after the registry
// confirms the cold copy is durable and indexed; until then the hot copy is
// the only copy.
type Archiver struct {
	completions queue.Consumer
	registry    registry.Store
	results     objstore.Store
	vault       coldstore.ColdStore
	profiles    profile.Service
	blockWait   time.Duration
	logger      *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(completions queue.Consumer, reg registry.Store, results objstore.Store, vault coldstore.ColdStore, profiles profile.Service, blockWait time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		completions: completions,
		registry:    reg,
		results:     results,
		vault:       vault,
		profiles:    profiles,
		blockWait:   blockWait,
		logger:      logger,
	}
}

// Run processes completion events until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) error {
	return runLoop(ctx, "archiver", a.completions, archiveBatch, a.blockWait, a.logger, a.handle)
}

func (a *Archiver) handle(ctx context.Context, msg queue.Message) error {
	payload, err := queue.Unwrap(msg.Body)
	if err != nil {
		a.logger.Error("dropping malformed completion event", "message_id", msg.ID, "error", err)
		return nil
	}

	var ev models.CompletionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		a.logger.Error("dropping undecodable completion event", "message_id", msg.ID, "error", err)
		return nil
	}
	if ev.JobID == uuid.Nil {
		a.logger.Error("dropping completion event without job id", "message_id", msg.ID)
		return nil
	}

	job, err := a.registry.GetJob(ctx, ev.JobID)
	if errors.Is(err, registry.ErrNotFound) {
		a.logger.Error("dropping completion event for unknown job", "job_id", ev.JobID)
		return nil
	}
	if err != nil {
		return err
	}

	prof, err := a.profiles.GetProfile(ctx, job.UserID)
	if errors.Is(err, profile.ErrNotFound) {
		a.logger.Error("dropping completion event for unknown user", "job_id", job.ID, "user_id", job.UserID)
		return nil
	}
	if err != nil {
		return err
	}

	// Premium results stay hot.
	if prof.IsPremium() {
		a.logger.Info("skipping archival for premium user", "job_id", job.ID, "user_id", job.UserID)
		return nil
	}

	// Redelivery after the registry update committed: the cold copy is
	// durable, so only the hot-object delete may still be outstanding.
	if job.ArchiveHandle != nil {
		a.logger.Info("job already archived", "job_id", job.ID)
		if ev.ResultLocation != "" {
			if err := a.results.Delete(ctx, ev.ResultLocation); err != nil {
				a.logger.Error("failed to delete hot result after archive", "job_id", job.ID, "error", err)
			}
		}
		return nil
	}

	if job.ResultLocation == nil {
		a.logger.Error("dropping completion event for job without result", "job_id", job.ID, "status", job.Status)
		return nil
	}
	resultKey := *job.ResultLocation

	data, err := a.results.Get(ctx, resultKey)
	if err != nil {
		return err
	}

	handle, err := a.vault.Upload(ctx, data)
	if err != nil {
		return err
	}

	if err := a.registry.ArchiveJob(ctx, job.ID, handle); err != nil {
		return err
	}

	if err := a.results.Delete(ctx, resultKey); err != nil {
		return err
	}

	a.logger.Info("result archived", "job_id", job.ID, "archive_handle", handle)
	return nil
}
