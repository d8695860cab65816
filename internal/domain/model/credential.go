package model

import "time"

// Credential holds the platform access token for one connected account.
type Credential struct {
	ID             string     `json:"id"               db:"id"`
	PlatformUserID string     `json:"platform_user_id" db:"platform_user_id"`
	AccessToken    string     `json:"-"                db:"access_token"`
	ExpiresAt      *time.Time `json:"expires_at"       db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"       db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"       db:"updated_at"`
}

// Expired reports whether the token has lapsed at the given instant. A nil
// expiry means the token does not expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}
