package registry

import (
	"context"
	"errors"
	"time"

	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("job not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the job registry interface. All registry operations go through
// here. Every write is a single-row statement; the conditional updates
// (MarkRunning, MarkRestoring) are the only concurrency control between
// competing worker instances, so implementations must make them atomic
// compare-and-swap operations that report lost races instead of failing.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByUser(ctx context.Context, userID string) ([]*models.Job, error)
	ListJobsByArchiveHandle(ctx context.Context, handle string) ([]*models.Job, error)

	// MarkRunning flips PENDING to RUNNING. It returns false without error
	// when the job is no longer PENDING, which callers treat as a benign
	// duplicate-delivery race.
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)

	// CompleteJob is the unconditional completion update performed by the
	// computation unit's supervisor: status, result and log locations, and
	// the completion timestamp land in one write.
	CompleteJob(ctx context.Context, id uuid.UUID, resultLocation, logLocation string, completeTime time.Time) error

	// ArchiveJob sets the archive handle, flips status to ARCHIVED, and
	// clears result_location in a single write so the job is never observed
	// both hot and archived.
	ArchiveJob(ctx context.Context, id uuid.UUID, handle string) error

	// MarkRestoring flips ARCHIVED to RESTORING. Returns false when the job
	// already left ARCHIVED (retrieval already in flight).
	MarkRestoring(ctx context.Context, id uuid.UUID) (bool, error)

	// RestoreResult sets result_location, clears the archive handle, and
	// returns status to COMPLETED in a single write.
	RestoreResult(ctx context.Context, id uuid.UUID, resultLocation string) error
}
