package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDeviceStore persists device rows in the anonymous_devices table.
// A partial unique index on (tenant_id, device_id_hash) WHERE is_active
// enforces the one-active-row rule.
type PostgresDeviceStore struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceStore(pool *pgxpool.Pool) *PostgresDeviceStore {
	return &PostgresDeviceStore{pool: pool}
}

func (s *PostgresDeviceStore) Upsert(ctx context.Context, d *AnonymousDevice) (*AnonymousDevice, bool, error) {
	// Retire lapsed rows first so the unique index conflict below only ever
	// resolves to a live identity.
	const retire = `
		UPDATE anonymous_devices SET is_active = FALSE
		WHERE tenant_id = $1 AND device_id_hash = $2 AND is_active
		  AND expires_at IS NOT NULL AND expires_at <= NOW()`
	if _, err := s.pool.Exec(ctx, retire, d.TenantID, d.DeviceIDHash); err != nil {
		return nil, false, fmt.Errorf("device retire: %w", err)
	}

	const query = `
		INSERT INTO anonymous_devices (
			id, tenant_id, user_id, device_id_hash, device_stability,
			created_at, last_seen_at, expires_at, is_active
		) VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), $6, TRUE)
		ON CONFLICT (tenant_id, device_id_hash) WHERE is_active DO UPDATE
			SET last_seen_at = NOW()
		RETURNING id, user_id, device_stability, created_at, last_seen_at, expires_at`

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	var expiresAt *time.Time
	if !d.ExpiresAt.IsZero() {
		expiresAt = &d.ExpiresAt
	}

	out := AnonymousDevice{
		TenantID:     d.TenantID,
		DeviceIDHash: d.DeviceIDHash,
		Active:       true,
	}
	var (
		stability  string
		expiresOut *time.Time
	)
	err := s.pool.QueryRow(ctx, query,
		d.ID, d.TenantID, d.UserID, d.DeviceIDHash, string(d.Stability), expiresAt,
	).Scan(&out.ID, &out.UserID, &stability, &out.CreatedAt, &out.LastSeenAt, &expiresOut)
	if err != nil {
		return nil, false, fmt.Errorf("device upsert: %w", err)
	}
	out.Stability = Stability(stability)
	if expiresOut != nil {
		out.ExpiresAt = *expiresOut
	}
	// On conflict the row keeps its original user id, so a returned id equal
	// to the candidate means our insert won.
	return &out, out.UserID == d.UserID && out.ID == d.ID, nil
}

func (s *PostgresDeviceStore) Get(ctx context.Context, id string) (*AnonymousDevice, error) {
	const query = `
		SELECT id, tenant_id, user_id, device_id_hash, device_stability,
		       created_at, last_seen_at, expires_at, is_active
		FROM anonymous_devices WHERE id = $1`

	var (
		d         AnonymousDevice
		stability string
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.TenantID, &d.UserID, &d.DeviceIDHash, &stability,
		&d.CreatedAt, &d.LastSeenAt, &expiresAt, &d.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device get: %w", err)
	}
	d.Stability = Stability(stability)
	if expiresAt != nil {
		d.ExpiresAt = *expiresAt
	}
	return &d, nil
}

func (s *PostgresDeviceStore) Deactivate(ctx context.Context, tenantID, hash string) error {
	const query = `
		UPDATE anonymous_devices SET is_active = FALSE
		WHERE tenant_id = $1 AND device_id_hash = $2 AND is_active`
	if _, err := s.pool.Exec(ctx, query, tenantID, hash); err != nil {
		return fmt.Errorf("device deactivate: %w", err)
	}
	return nil
}

// PostgresUpgradeStore persists upgrade attempts in the user_upgrades table.
type PostgresUpgradeStore struct {
	pool *pgxpool.Pool
}

func NewPostgresUpgradeStore(pool *pgxpool.Pool) *PostgresUpgradeStore {
	return &PostgresUpgradeStore{pool: pool}
}

func (s *PostgresUpgradeStore) Create(ctx context.Context, u *Upgrade) error {
	const query = `
		INSERT INTO user_upgrades (
			id, tenant_id, session_id, user_id, method, target,
			preserve_subject, nonce, challenge_id, status, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
		RETURNING created_at`

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = UpgradePending
	}
	err := s.pool.QueryRow(ctx, query,
		u.ID, u.TenantID, u.SessionID, u.UserID, u.Method, u.Target,
		u.PreserveSubject, u.Nonce, u.ChallengeID, u.Status, u.ExpiresAt,
	).Scan(&u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upgrade create: %w", err)
	}
	return nil
}

func (s *PostgresUpgradeStore) Get(ctx context.Context, id string) (*Upgrade, error) {
	const query = `
		SELECT id, tenant_id, session_id, user_id, method, target,
		       preserve_subject, nonce, challenge_id, status, COALESCE(new_user_id, ''),
		       created_at, expires_at, completed_at
		FROM user_upgrades WHERE id = $1`

	var (
		u           Upgrade
		completedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.TenantID, &u.SessionID, &u.UserID, &u.Method, &u.Target,
		&u.PreserveSubject, &u.Nonce, &u.ChallengeID, &u.Status, &u.NewUserID,
		&u.CreatedAt, &u.ExpiresAt, &completedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUpgradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upgrade get: %w", err)
	}
	if completedAt != nil {
		u.CompletedAt = *completedAt
	}
	return &u, nil
}

func (s *PostgresUpgradeStore) Complete(ctx context.Context, id, newUserID string, at time.Time) (*Upgrade, error) {
	const query = `
		UPDATE user_upgrades
		SET status = $2, new_user_id = $3, completed_at = $4
		WHERE id = $1 AND status = $5`

	tag, err := s.pool.Exec(ctx, query, id, UpgradeCompleted, newUserID, at, UpgradePending)
	if err != nil {
		return nil, fmt.Errorf("upgrade complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrUpgradeCompleted
	}
	return s.Get(ctx, id)
}

// PostgresLinkStore persists identity links in the linked_identities table,
// keyed by (provider_id, provider_user_id).
type PostgresLinkStore struct {
	pool *pgxpool.Pool
}

func NewPostgresLinkStore(pool *pgxpool.Pool) *PostgresLinkStore {
	return &PostgresLinkStore{pool: pool}
}

func (s *PostgresLinkStore) Link(ctx context.Context, l *LinkedIdentity) error {
	// The DO UPDATE predicate only matches when the existing row belongs to
	// the same user, so a conflicting owner yields zero rows.
	const query = `
		INSERT INTO linked_identities (user_id, provider_id, provider_user_id, linked_at, raw_attributes)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (provider_id, provider_user_id) DO UPDATE
			SET raw_attributes = EXCLUDED.raw_attributes
			WHERE linked_identities.user_id = EXCLUDED.user_id
		RETURNING linked_at`

	attrs, err := json.Marshal(l.RawAttributes)
	if err != nil {
		return fmt.Errorf("link attrs: %w", err)
	}
	err = s.pool.QueryRow(ctx, query, l.UserID, l.ProviderID, l.ProviderUserID, attrs).Scan(&l.LinkedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLinkTaken
	}
	if err != nil {
		return fmt.Errorf("link upsert: %w", err)
	}
	return nil
}

func (s *PostgresLinkStore) Find(ctx context.Context, providerID, providerUserID string) (*LinkedIdentity, error) {
	const query = `
		SELECT user_id, provider_id, provider_user_id, linked_at, raw_attributes
		FROM linked_identities WHERE provider_id = $1 AND provider_user_id = $2`

	l, err := scanLink(s.pool.QueryRow(ctx, query, providerID, providerUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("link find: %w", err)
	}
	return l, nil
}

func (s *PostgresLinkStore) ListByUser(ctx context.Context, userID string) ([]*LinkedIdentity, error) {
	const query = `
		SELECT user_id, provider_id, provider_user_id, linked_at, raw_attributes
		FROM linked_identities WHERE user_id = $1 ORDER BY linked_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("link list: %w", err)
	}
	defer rows.Close()

	var out []*LinkedIdentity
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("link list: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresLinkStore) Unlink(ctx context.Context, userID, providerID, providerUserID string) error {
	const query = `
		DELETE FROM linked_identities
		WHERE user_id = $1 AND provider_id = $2 AND provider_user_id = $3`
	tag, err := s.pool.Exec(ctx, query, userID, providerID, providerUserID)
	if err != nil {
		return fmt.Errorf("link unlink: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func scanLink(row pgx.Row) (*LinkedIdentity, error) {
	var (
		l     LinkedIdentity
		attrs []byte
	)
	if err := row.Scan(&l.UserID, &l.ProviderID, &l.ProviderUserID, &l.LinkedAt, &attrs); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.RawAttributes); err != nil {
			return nil, err
		}
	}
	return &l, nil
}
