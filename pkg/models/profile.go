package models

import "time"

const (
	RoleFreeUser    = "free_user"
	RolePremiumUser = "premium_user"
)

// UserProfile is the account record consulted for tier decisions. Identity
// comes from an external provider, so the ID is an opaque string rather than
// a UUID we mint ourselves.
type UserProfile struct {
	ID          string    `db:"id"          json:"id"`
	Name        string    `db:"name"        json:"name"`
	Email       string    `db:"email"       json:"email"`
	Institution string    `db:"institution" json:"institution,omitempty"`
	Role        string    `db:"role"        json:"role"`
	CreatedAt   time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"  json:"updated_at"`
}

// IsPremium reports whether the user is on the paid tier. Premium results
// stay in the hot store; free-tier results are archived after completion.
func (p *UserProfile) IsPremium() bool {
	return p.Role == RolePremiumUser
}
