// Package coldstore is the cold archive store: write-once blobs with an
// asynchronous initiate/await/fetch/delete retrieval sequence. Retrieval
// completion is delivered out-of-band as a callback message on the thaw
// channel, never returned in-line.
package coldstore

import (
	"context"
	"errors"
)

// Retrieval tiers. Expedited is fast but capacity-bounded; Standard always
// accepts but takes much longer.
type Tier string

const (
	TierExpedited Tier = "Expedited"
	TierStandard  Tier = "Standard"
)

var (
	// ErrInsufficientCapacity signals that the expedited tier is at its
	// concurrency bound. Callers fall back to the standard tier.
	ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")

	ErrNotFound          = errors.New("archive not found")
	ErrRetrievalNotReady = errors.New("retrieval not ready")
)

// ColdStore is the archive contract.
type ColdStore interface {
	// Upload stores the blob and returns an opaque archive handle.
	Upload(ctx context.Context, data []byte) (string, error)

	// InitiateRetrieval starts an asynchronous retrieval of the archived
	// blob and returns the provider-side retrieval id. The blob is only
	// readable via GetOutput once the retrieval callback reports success.
	InitiateRetrieval(ctx context.Context, handle string, tier Tier) (string, error)

	// GetOutput returns the retrieved bytes for a succeeded retrieval.
	GetOutput(ctx context.Context, retrievalID string) ([]byte, error)

	// Delete removes the archived blob.
	Delete(ctx context.Context, handle string) error
}
