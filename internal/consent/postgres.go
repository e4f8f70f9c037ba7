package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists consents in the oauth_client_consents table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, userID, clientID string) (*Consent, error) {
	const query = `
		SELECT id, user_id, client_id, scope, selected_scopes, granted_at, expires_at,
		       privacy_policy_version, tos_version, consent_version, created_at, updated_at
		FROM oauth_client_consents
		WHERE user_id = $1 AND client_id = $2`

	var (
		c         Consent
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, userID, clientID).Scan(
		&c.ID, &c.UserID, &c.ClientID, &c.Scope, &c.SelectedScopes, &c.GrantedAt, &expiresAt,
		&c.PrivacyPolicyVersion, &c.TOSVersion, &c.ConsentVersion, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consent get: %w", err)
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	return &c, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, c *Consent) error {
	const query = `
		INSERT INTO oauth_client_consents (
			id, user_id, client_id, scope, selected_scopes, granted_at, expires_at,
			privacy_policy_version, tos_version, consent_version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, NOW(), NOW())
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			scope = EXCLUDED.scope,
			selected_scopes = EXCLUDED.selected_scopes,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			privacy_policy_version = EXCLUDED.privacy_policy_version,
			tos_version = EXCLUDED.tos_version,
			consent_version = oauth_client_consents.consent_version + 1,
			updated_at = NOW()
		RETURNING id, consent_version, created_at, updated_at`

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.GrantedAt.IsZero() {
		c.GrantedAt = time.Now()
	}
	var expiresAt *time.Time
	if !c.ExpiresAt.IsZero() {
		expiresAt = &c.ExpiresAt
	}

	err := s.pool.QueryRow(ctx, query,
		c.ID, c.UserID, c.ClientID, c.Scope, c.SelectedScopes, c.GrantedAt, expiresAt,
		c.PrivacyPolicyVersion, c.TOSVersion,
	).Scan(&c.ID, &c.ConsentVersion, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("consent upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, clientID string) error {
	const query = `DELETE FROM oauth_client_consents WHERE user_id = $1 AND client_id = $2`
	if _, err := s.pool.Exec(ctx, query, userID, clientID); err != nil {
		return fmt.Errorf("consent delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteForUser(ctx context.Context, userID string) (int, error) {
	const query = `DELETE FROM oauth_client_consents WHERE user_id = $1`
	tag, err := s.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("consent delete for user: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
