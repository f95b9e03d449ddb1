package keys

import (
	"context"
	"errors"

	"github.com/asampat/glaciate/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("api key not found")

// Store is the API key data access interface.
type Store interface {
	GetByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	Create(ctx context.Context, key *models.APIKey) error
	List(ctx context.Context) ([]*models.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	UpdateLastUsed(ctx context.Context, id uuid.UUID) error
}
