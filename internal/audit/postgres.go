package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authrim/authrim/internal/common"
)

const writeTimeout = 3 * time.Second

// Postgres appends entries to the audit_log table. Failures are logged at
// warn and swallowed; audit never decides a request's outcome.
type Postgres struct {
	pool *pgxpool.Pool
	log  *common.Logger
}

func NewPostgres(pool *pgxpool.Pool, log *common.Logger) *Postgres {
	if log == nil {
		log = common.NewSilentLogger()
	}
	return &Postgres{pool: pool, log: log}
}

func (p *Postgres) Record(ctx context.Context, e *Entry) {
	stamp(e)
	var detail []byte
	if len(e.Detail) > 0 {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			p.log.Warn().Err(err).Str("action", e.Action).Msg("Audit detail marshal failed")
			detail = nil
		}
	}

	// The request context may already be cancelled (client disconnect); the
	// write still has to land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	const query = `
		INSERT INTO audit_log (id, action, actor_id, client_id, session_id, tenant_id, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.pool.Exec(wctx, query,
		e.ID, e.Action, e.ActorID, e.ClientID, e.SessionID, e.TenantID, detail, e.At)
	if err != nil {
		p.log.Warn().Err(err).Str("action", e.Action).Msg("Audit write failed")
	}
}
