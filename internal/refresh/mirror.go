package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FamilyRef is the flat per-user index row behind admin-wide revocation.
// It carries only routing coordinates, never token material.
type FamilyRef struct {
	UserID     string
	ClientID   string
	Generation int
	Shard      int
	HeadJTI    string
	Scope      string
	ExpiresAt  time.Time
}

// Mirror is the best-effort flat index of family heads keyed by user id.
// Writes are advisory; reads serve administrative revocation sweeps.
type Mirror interface {
	Record(ctx context.Context, ref FamilyRef) error
	ForUser(ctx context.Context, userID string) ([]FamilyRef, error)
}

// NoopMirror disables the index. Single-tenant test deployments use it.
type NoopMirror struct{}

func (NoopMirror) Record(context.Context, FamilyRef) error { return nil }
func (NoopMirror) ForUser(context.Context, string) ([]FamilyRef, error) {
	return nil, nil
}

// PostgresMirror stores the index in the user_token_families table.
type PostgresMirror struct {
	pool *pgxpool.Pool
}

func NewPostgresMirror(pool *pgxpool.Pool) *PostgresMirror {
	return &PostgresMirror{pool: pool}
}

func (p *PostgresMirror) Record(ctx context.Context, ref FamilyRef) error {
	const query = `
		INSERT INTO user_token_families (
			user_id, client_id, generation, shard, head_jti, scope, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id, client_id, generation) DO UPDATE SET
			shard = EXCLUDED.shard,
			head_jti = EXCLUDED.head_jti,
			scope = EXCLUDED.scope,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()`

	_, err := p.pool.Exec(ctx, query,
		ref.UserID, ref.ClientID, ref.Generation, ref.Shard,
		ref.HeadJTI, ref.Scope, ref.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("record family mirror: %w", err)
	}
	return nil
}

func (p *PostgresMirror) ForUser(ctx context.Context, userID string) ([]FamilyRef, error) {
	const query = `
		SELECT user_id, client_id, generation, shard, head_jti, scope, expires_at
		FROM user_token_families
		WHERE user_id = $1 AND expires_at > NOW()`

	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query family mirror: %w", err)
	}
	defer rows.Close()

	var out []FamilyRef
	for rows.Next() {
		var ref FamilyRef
		if err := rows.Scan(
			&ref.UserID, &ref.ClientID, &ref.Generation, &ref.Shard,
			&ref.HeadJTI, &ref.Scope, &ref.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("scan family mirror: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate family mirror: %w", err)
	}
	return out, nil
}
