package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/asampat/glaciate/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresService implements Service against the user_profiles table.
type PostgresService struct {
	pool *pgxpool.Pool
}

// NewPostgresService creates a new PostgresService.
func NewPostgresService(pool *pgxpool.Pool) *PostgresService {
	return &PostgresService{pool: pool}
}

func (s *PostgresService) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, institution, role, created_at, updated_at
		 FROM user_profiles WHERE id = $1`, userID,
	).Scan(&p.ID, &p.Name, &p.Email, &p.Institution, &p.Role, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresService) UpdateRole(ctx context.Context, userID, role string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE user_profiles SET role = $2, updated_at = NOW() WHERE id = $1`, userID, role)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresService) UpsertProfile(ctx context.Context, p *models.UserProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (id, name, email, institution, role)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   email = EXCLUDED.email,
		   institution = EXCLUDED.institution,
		   updated_at = NOW()`,
		p.ID, p.Name, p.Email, p.Institution, p.Role)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}
