package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/asampat/glaciate/internal/coldstore"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/pkg/models"
)

const restoreBatch = 10

// Restorer consumes upgrade events and initiates cold-store retrieval for
// every archived job the upgraded user owns. Retrievals are requested at the
// expedited tier first, falling back to standard when expedited capacity is
// exhausted.
type Restorer struct {
	upgrades  queue.Consumer
	registry  registry.Store
	vault     coldstore.ColdStore
	blockWait time.Duration
	logger    *slog.Logger
}

// NewRestorer creates a Restorer.
func NewRestorer(upgrades queue.Consumer, reg registry.Store, vault coldstore.ColdStore, blockWait time.Duration, logger *slog.Logger) *Restorer {
	return &Restorer{
		upgrades:  upgrades,
		registry:  reg,
		vault:     vault,
		blockWait: blockWait,
		logger:    logger,
	}
}

// Run processes upgrade events until the context is cancelled.
func (r *Restorer) Run(ctx context.Context) error {
	return runLoop(ctx, "restorer", r.upgrades, restoreBatch, r.blockWait, r.logger, r.handle)
}

func (r *Restorer) handle(ctx context.Context, msg queue.Message) error {
	var ev models.UpgradeEvent
	if err := json.Unmarshal(msg.Body, &ev); err != nil {
		r.logger.Error("dropping undecodable upgrade event", "message_id", msg.ID, "error", err)
		return nil
	}
	if ev.UserID == "" {
		r.logger.Error("dropping upgrade event without user id", "message_id", msg.ID)
		return nil
	}

	jobs, err := r.registry.ListJobsByUser(ctx, ev.UserID)
	if err != nil {
		return err
	}

	var failed bool
	for _, job := range jobs {
		if job.Status != models.JobStatusArchived || job.ArchiveHandle == nil {
			continue
		}
		if err := r.restore(ctx, job); err != nil {
			r.logger.Error("failed to initiate restore", "job_id", job.ID, "error", err)
			failed = true
		}
	}
	if failed {
		// Redelivery retries the whole batch; jobs already moved to
		// RESTORING are skipped by the status filter above.
		return errors.New("restore initiation incomplete")
	}

	r.logger.Info("restores initiated for upgraded user", "user_id", ev.UserID)
	return nil
}

func (r *Restorer) restore(ctx context.Context, job *models.Job) error {
	retrievalID, err := r.initiate(ctx, *job.ArchiveHandle)
	if err != nil {
		return err
	}

	won, err := r.registry.MarkRestoring(ctx, job.ID)
	if err != nil {
		return err
	}
	if !won {
		// A concurrent delivery already claimed the transition. The
		// extra retrieval is harmless: thaw completion matches jobs by
		// archive handle, not retrieval id.
		r.logger.Info("job already restoring", "job_id", job.ID)
		return nil
	}

	r.logger.Info("restore initiated", "job_id", job.ID, "retrieval_id", retrievalID)
	return nil
}

func (r *Restorer) initiate(ctx context.Context, handle string) (string, error) {
	id, err := r.vault.InitiateRetrieval(ctx, handle, coldstore.TierExpedited)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, coldstore.ErrInsufficientCapacity) {
		return "", err
	}
	r.logger.Info("expedited capacity exhausted, falling back to standard", "archive_handle", handle)
	return r.vault.InitiateRetrieval(ctx, handle, coldstore.TierStandard)
}
