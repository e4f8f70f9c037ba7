package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresClientIndex persists session→client associations in the
// session_clients table so logout fan-out survives restarts and works
// across instances.
type PostgresClientIndex struct {
	pool *pgxpool.Pool
}

func NewPostgresClientIndex(pool *pgxpool.Pool) *PostgresClientIndex {
	return &PostgresClientIndex{pool: pool}
}

func (p *PostgresClientIndex) Register(ctx context.Context, link *SessionClient) error {
	const query = `
		INSERT INTO session_clients (
			session_id, client_id,
			backchannel_logout_uri, backchannel_logout_session_required,
			frontchannel_logout_uri, frontchannel_logout_session_required,
			webhook_url, webhook_secret_enc, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, client_id) DO UPDATE SET
			backchannel_logout_uri = EXCLUDED.backchannel_logout_uri,
			backchannel_logout_session_required = EXCLUDED.backchannel_logout_session_required,
			frontchannel_logout_uri = EXCLUDED.frontchannel_logout_uri,
			frontchannel_logout_session_required = EXCLUDED.frontchannel_logout_session_required,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret_enc = EXCLUDED.webhook_secret_enc`

	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, query,
		link.SessionID,
		link.ClientID,
		link.BackchannelLogoutURI,
		link.BackchannelLogoutSessionRequired,
		link.FrontchannelLogoutURI,
		link.FrontchannelLogoutSessionRequired,
		link.WebhookURL,
		link.WebhookSecretEnc,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("register session client: %w", err)
	}
	return nil
}

func (p *PostgresClientIndex) ForSession(ctx context.Context, sessionID string) ([]*SessionClient, error) {
	const query = `
		SELECT session_id, client_id,
			backchannel_logout_uri, backchannel_logout_session_required,
			frontchannel_logout_uri, frontchannel_logout_session_required,
			webhook_url, webhook_secret_enc, created_at
		FROM session_clients
		WHERE session_id = $1
		ORDER BY created_at`

	rows, err := p.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session clients: %w", err)
	}
	defer rows.Close()

	var out []*SessionClient
	for rows.Next() {
		link := &SessionClient{}
		if err := rows.Scan(
			&link.SessionID,
			&link.ClientID,
			&link.BackchannelLogoutURI,
			&link.BackchannelLogoutSessionRequired,
			&link.FrontchannelLogoutURI,
			&link.FrontchannelLogoutSessionRequired,
			&link.WebhookURL,
			&link.WebhookSecretEnc,
			&link.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session client: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session clients: %w", err)
	}
	return out, nil
}

func (p *PostgresClientIndex) DeleteForSession(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM session_clients WHERE session_id = $1`
	if _, err := p.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("delete session clients: %w", err)
	}
	return nil
}
