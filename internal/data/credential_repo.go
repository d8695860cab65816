package data

import (
	"context"
	"database/sql"

	"github.com/postpilot/postpilot/internal/domain/model"
	"github.com/postpilot/postpilot/internal/errors"
)

// CredentialRepo provides database operations for platform credentials.
type CredentialRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewCredentialRepo creates a new CredentialRepo instance.
func NewCredentialRepo(db *sql.DB, tp TimeProvider) *CredentialRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &CredentialRepo{DB: db, timeProvider: tp}
}

const credentialColumns = `id, platform_user_id, access_token, expires_at, created_at, updated_at`

// Get retrieves a credential by its ID.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*model.Credential, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	return scanCredential(row)
}

// GetDefault returns the most recently updated credential. Deployments with a
// single connected account rely on this when a post does not pin one.
func (r *CredentialRepo) GetDefault(ctx context.Context) (*model.Credential, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY updated_at DESC LIMIT 1`)
	return scanCredential(row)
}

// Upsert inserts or replaces the credential for a platform user.
func (r *CredentialRepo) Upsert(ctx context.Context, cred *model.Credential) (*model.Credential, error) {
	if cred == nil || cred.PlatformUserID == "" || cred.AccessToken == "" {
		return nil, errors.Validation("platform user id and access token are required")
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO credentials (platform_user_id, access_token, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (platform_user_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
		RETURNING `+credentialColumns,
		cred.PlatformUserID, cred.AccessToken, cred.ExpiresAt, now)
	return scanCredential(row)
}

func scanCredential(row *sql.Row) (*model.Credential, error) {
	cred := &model.Credential{}
	var expiresAt sql.NullTime
	err := row.Scan(&cred.ID, &cred.PlatformUserID, &cred.AccessToken,
		&expiresAt, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, errors.MapDBError(err)
	}
	cred.ExpiresAt = nullableTime(expiresAt)
	return cred, nil
}
