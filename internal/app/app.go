// Package app wires the configured storage backends, stores, token
// pipeline and HTTP surfaces into one container the server serves from.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authrim/authrim/internal/audit"
	"github.com/authrim/authrim/internal/auth"
	"github.com/authrim/authrim/internal/challenge"
	"github.com/authrim/authrim/internal/clientauth"
	"github.com/authrim/authrim/internal/clients"
	"github.com/authrim/authrim/internal/common"
	"github.com/authrim/authrim/internal/config"
	"github.com/authrim/authrim/internal/consent"
	"github.com/authrim/authrim/internal/devicesecret"
	"github.com/authrim/authrim/internal/dpop"
	"github.com/authrim/authrim/internal/events"
	"github.com/authrim/authrim/internal/grant"
	"github.com/authrim/authrim/internal/identity"
	"github.com/authrim/authrim/internal/keyring"
	"github.com/authrim/authrim/internal/logout"
	"github.com/authrim/authrim/internal/ratelimit"
	"github.com/authrim/authrim/internal/refresh"
	"github.com/authrim/authrim/internal/revocation"
	"github.com/authrim/authrim/internal/secretbox"
	"github.com/authrim/authrim/internal/session"
	"github.com/authrim/authrim/internal/storage"
	"github.com/authrim/authrim/internal/tenant"
	"github.com/authrim/authrim/internal/token"
)

// App holds every component the server routes to, plus the resources
// that need closing on shutdown.
type App struct {
	Config   *config.Config
	Log      *common.Logger
	Provider *config.Provider

	Engine  *grant.Engine
	Auth    *auth.Handlers
	Logout  *logout.Orchestrator
	Ring    *keyring.KeyRing
	Clients *clients.Store
	Tokens  *ratelimit.Smoother

	kv     storage.KeyValue
	redis  *storage.Redis
	pool   *pgxpool.Pool
	bus    events.Bus
	worker *logout.Worker

	rotateCancel context.CancelFunc
}

// New builds the application from cfg. Components pick their backend from
// storage.backend: "memory" keeps everything in-process, "redis" shares the
// hot stores across instances. A configured Postgres URL adds the durable
// mirrors regardless of the hot backend.
func New(ctx context.Context, cfg *config.Config, log *common.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	env := strings.ToLower(strings.TrimSpace(cfg.Environment))
	if !cfg.IsProduction() && env != "" {
		log.Warn().Str("environment", cfg.Environment).Msg("running outside production mode")
	}

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	a.Provider = config.NewProvider(a.kv, log)

	if err := a.initKeys(ctx); err != nil {
		return nil, err
	}

	minter := token.NewMinter(a.Ring, cfg.Issuer, cfg.Sharding.ChallengeShards, log)

	a.Clients = clients.NewStore(a.kv, log)
	if err := a.Clients.LoadSeeds(ctx, cfg.Clients); err != nil {
		return nil, fmt.Errorf("load client seeds: %w", err)
	}
	authenticator := clientauth.NewAuthenticator(a.Clients, cfg.Issuer, log)
	tenants := tenant.NewProfiles(a.Provider, cfg.Tenants, log)

	shards := cfg.Sharding.ChallengeShards
	var challengeStore challenge.Store
	var sessions session.Store
	var refreshStore refresh.Store
	var revocations revocation.Index
	var secretStore devicesecret.Store
	sessionTTLMax := parseDuration(cfg.Sessions.MaxTTL, 24*time.Hour)
	if a.redis != nil {
		challengeStore = challenge.NewRedisStore(a.redis)
		sessions = session.NewRedisStore(a.redis, cfg.Sessions.ShardCount, sessionTTLMax)
		refreshStore = refresh.NewRedisStore(a.redis)
		revocations = revocation.NewRedisIndex(a.redis)
		secretStore = devicesecret.NewRedisStore(a.redis)
		a.bus = events.NewAsyncBus(events.NewRedisSink(a.redis), 0, log)
	} else {
		challengeStore = challenge.NewMemoryStore(shards)
		sessions = session.NewMemoryStore(cfg.Sessions.ShardCount, sessionTTLMax)
		refreshStore = refresh.NewMemoryStore()
		revocations = revocation.NewMemoryIndex(shards)
		secretStore = devicesecret.NewMemoryStore()
		a.bus = events.NopBus{}
	}

	var mirror refresh.Mirror
	var sessionClients session.ClientIndex = session.NewMemoryClientIndex()
	var consents consent.Store = consent.NewMemoryStore()
	var devices identity.DeviceStore = identity.NewMemoryDeviceStore()
	var upgrades identity.UpgradeStore = identity.NewMemoryUpgradeStore()
	var links identity.LinkStore = identity.NewMemoryLinkStore()
	var auditor audit.Recorder = audit.NewMemory()
	if a.pool != nil {
		mirror = refresh.NewPostgresMirror(a.pool)
		sessionClients = session.NewPostgresClientIndex(a.pool)
		consents = consent.NewPostgresStore(a.pool)
		devices = identity.NewPostgresDeviceStore(a.pool)
		upgrades = identity.NewPostgresUpgradeStore(a.pool)
		links = identity.NewPostgresLinkStore(a.pool)
		auditor = audit.NewPostgres(a.pool, log)
	}

	refreshMgr := refresh.NewManager(refreshStore, mirror, cfg.Sharding.RefreshGenerations, log)
	authCodes := challenge.NewAuthCodes(challengeStore, shards)
	deviceCodes := challenge.NewDeviceCodes(challengeStore, shards)
	cibaRequests := challenge.NewCIBARequests(challengeStore, shards)
	deviceSecrets := devicesecret.NewManager(secretStore, log)
	limiter := ratelimit.NewLimiter(a.kv, log)
	a.Tokens = ratelimit.NewSmoother(float64(cfg.RateLimit.TokenBurst), cfg.RateLimit.TokenBurst)

	dpopValidator := dpop.NewValidator(a.kv,
		parseDuration(cfg.Tokens.DPoPProofWindow, 5*time.Minute),
		parseDuration(cfg.Tokens.DPoPReplayWindow, 10*time.Minute),
		log)

	trustRing, err := grant.NewTrustRing(cfg.Issuer, cfg.Trust.Issuers)
	if err != nil {
		return nil, fmt.Errorf("load trusted issuers: %w", err)
	}

	var webhookBox *secretbox.Box
	if cfg.Logout.WebhookKeyHex != "" {
		webhookBox, err = secretbox.NewFromHex(cfg.Logout.WebhookKeyHex)
		if err != nil {
			return nil, fmt.Errorf("webhook key: %w", err)
		}
	}

	a.Engine = grant.NewEngine(grant.Deps{
		Clients:        a.Clients,
		Authenticator:  authenticator,
		Tenants:        tenants,
		Minter:         minter,
		Provider:       a.Provider,
		AuthCodes:      authCodes,
		DeviceCodes:    deviceCodes,
		CIBARequests:   cibaRequests,
		Refresh:        refreshMgr,
		Revocations:    revocations,
		DPoP:           dpopValidator,
		SessionClients: sessionClients,
		DeviceSecrets:  deviceSecrets,
		Trust:          trustRing,
		Limiter:        limiter,
		Replays:        a.kv,
		WebhookBox:     webhookBox,
		Bus:            a.bus,
		Log:            log,
	})

	secure := strings.HasPrefix(cfg.Issuer, "https://")
	hashSecret := a.Provider.Get(ctx, config.KeyAnonDeviceSecret)
	if hashSecret == "" {
		// Hashes won't survive a restart; fine for dev, set the key in prod.
		hashSecret = common.RandomURLSafe(32)
		log.Warn().Msg("no anon device hash secret configured, using an ephemeral one")
	}

	a.Auth = auth.NewHandlers(auth.Deps{
		Issuer:         cfg.Issuer,
		ShardCount:     cfg.Sessions.ShardCount,
		Sessions:       sessions,
		Challenges:     challengeStore,
		AuthCodes:      authCodes,
		Clients:        a.Clients,
		Consents:       consents,
		Devices:        devices,
		Upgrades:       upgrades,
		Links:          links,
		Hasher:         identity.NewHasher([]byte(hashSecret)),
		Ring:           a.Ring,
		Provider:       a.Provider,
		Limiter:        limiter,
		Bus:            a.bus,
		Audit:          auditor,
		Log:            log,
		CookieSecure:   secure,
		CookieSameSite: http.SameSiteLaxMode,
	})

	dispatcher, err := a.initDispatcher(webhookBox)
	if err != nil {
		return nil, err
	}
	a.Logout = logout.NewOrchestrator(logout.Deps{
		Sessions:       sessions,
		SessionClients: sessionClients,
		Clients:        a.Clients,
		Minter:         minter,
		Refresh:        refreshMgr,
		DeviceSecrets:  deviceSecrets,
		Provider:       a.Provider,
		WebhookBox:     webhookBox,
		Dispatcher:     dispatcher,
		Bus:            a.bus,
		Audit:          auditor,
		Log:            log,
	})

	log.Info().
		Str("issuer", cfg.Issuer).
		Str("backend", cfg.Storage.Backend).
		Bool("postgres", a.pool != nil).
		Msg("application initialized")
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	switch a.Config.Storage.Backend {
	case "", "memory":
		a.kv = storage.NewMemory()
	case "redis":
		r, err := storage.NewRedis(a.Config.Storage.Redis.URL, a.Config.Storage.Redis.Prefix)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = r
		a.kv = r
	default:
		return fmt.Errorf("unknown storage backend %q", a.Config.Storage.Backend)
	}

	pg := a.Config.Storage.Postgres
	if pg.URL == "" {
		return nil
	}
	if pg.Migrate {
		dir := pg.Migrations
		if dir == "" {
			dir = "migrations"
		}
		if err := storage.RunMigrations(pg.URL, dir, a.Log); err != nil {
			return err
		}
	}
	pool, err := storage.NewPostgresPool(ctx, pg.URL)
	if err != nil {
		return err
	}
	a.pool = pool
	return nil
}

func (a *App) initKeys(ctx context.Context) error {
	a.Ring = keyring.New(keyring.NewKVStore(a.kv), a.Config.Keys.Algorithm, 0, a.Log)
	if err := a.Ring.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap key ring: %w", err)
	}

	if a.Config.Keys.RotationOff {
		if !a.Config.IsProduction() {
			a.Log.Warn().Msg("key rotation disabled")
			return nil
		}
		a.Log.Error().Msg("rotation_off is not honored in production, rotation stays on")
	}
	period := parseDuration(a.Config.Keys.RotationPeriod, 30*24*time.Hour)
	overlap := parseDuration(a.Config.Keys.RotationOverlap, 24*time.Hour)
	rotCtx, cancel := context.WithCancel(context.Background())
	a.rotateCancel = cancel
	go a.Ring.RunRotation(rotCtx, period, overlap)
	return nil
}

// initDispatcher selects logout fan-out delivery: an asynq queue shared
// across instances when Redis is configured, otherwise an in-process pool.
func (a *App) initDispatcher(box *secretbox.Box) (logout.Dispatcher, error) {
	if a.redis == nil {
		return nil, nil // orchestrator defaults to its in-process pool
	}
	opt, err := asynq.ParseRedisURI(a.Config.Storage.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("logout queue redis: %w", err)
	}
	a.worker = logout.NewWorker(opt, logout.NewDeliverer(nil, box, a.Log), 0, a.Log)
	if err := a.worker.Start(); err != nil {
		return nil, fmt.Errorf("start logout worker: %w", err)
	}
	return logout.NewAsynqDispatcher(opt), nil
}

// Close releases background workers and connections.
func (a *App) Close() error {
	if a.rotateCancel != nil {
		a.rotateCancel()
	}
	if a.worker != nil {
		a.worker.Shutdown()
	}
	if b, ok := a.bus.(*events.AsyncBus); ok {
		_ = b.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	} else if a.kv != nil {
		_ = a.kv.Close()
	}
	return nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
