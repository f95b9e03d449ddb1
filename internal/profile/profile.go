// Package profile fronts the account collaborator. The job pipeline only
// ever asks which tier a user is on, but the ops API also updates roles on
// subscribe and unsubscribe.
package profile

import (
	"context"
	"errors"

	"github.com/asampat/glaciate/pkg/models"
)

var ErrNotFound = errors.New("user profile not found")

// Service is the user-profile interface.
type Service interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)
	UpdateRole(ctx context.Context, userID, role string) error
	UpsertProfile(ctx context.Context, p *models.UserProfile) error
}
