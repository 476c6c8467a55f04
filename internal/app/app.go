// Package app builds the harvester's long-lived services from configuration and owns
// their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/api"
	"github.com/JakeFAU/upwork-harvester/internal/clock/system"
	"github.com/JakeFAU/upwork-harvester/internal/config"
	"github.com/JakeFAU/upwork-harvester/internal/database"
	"github.com/JakeFAU/upwork-harvester/internal/dispatcher"
	"github.com/JakeFAU/upwork-harvester/internal/extractor"
	collyfetcher "github.com/JakeFAU/upwork-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/upwork-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/id/uuid"
	"github.com/JakeFAU/upwork-harvester/internal/metrics"
	kafkanotify "github.com/JakeFAU/upwork-harvester/internal/notify/kafka"
	memorynotify "github.com/JakeFAU/upwork-harvester/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/upwork-harvester/internal/notify/pubsub"
	"github.com/JakeFAU/upwork-harvester/internal/orchestrator"
	persistmem "github.com/JakeFAU/upwork-harvester/internal/persist/memory"
	persistpg "github.com/JakeFAU/upwork-harvester/internal/persist/postgres"
	"github.com/JakeFAU/upwork-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/upwork-harvester/internal/proxy"
	"github.com/JakeFAU/upwork-harvester/internal/retry"
	"github.com/JakeFAU/upwork-harvester/internal/session"
	"github.com/JakeFAU/upwork-harvester/internal/session/credstore"
	"github.com/JakeFAU/upwork-harvester/internal/session/token"
	trackermem "github.com/JakeFAU/upwork-harvester/internal/tracker/memory"
	trackerpg "github.com/JakeFAU/upwork-harvester/internal/tracker/postgres"
)

// App holds the shared services of one harvester process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock

	tracker      harvest.Tracker
	persistor    harvest.Persistor
	sessions     *session.Manager
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	checks       map[string]api.Pinger

	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// New creates and initializes an App. It fails fast if any configured backend cannot be
// reached; services already opened are closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		checks: map[string]api.Pinger{},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initSessions(ctx); err != nil {
		return nil, err
	}
	identities, refresher, err := a.identities(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := a.notifier(ctx)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		MaxReauths:      cfg.Retry.MaxReauths,
		BaseDelay:       cfg.Retry.BaseDelay,
		MaxDelay:        cfg.Retry.MaxDelay,
		ExhaustedFactor: cfg.Retry.ExhaustedFactor,
		ExhaustedLimit:  cfg.Retry.ExhaustedLimit,
	}
	deps := orchestrator.Deps{
		Tracker:    a.tracker,
		Sessions:   a.sessions,
		Identities: identities,
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
		}),
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:       cfg.Fetch.UserAgent,
			Timeout:         cfg.Fetch.Timeout,
			URLTemplate:     cfg.Fetch.URLTemplate,
			RefererTemplate: cfg.Fetch.RefererTemplate,
			AuthMode:        collyfetcher.AuthMode(cfg.Fetch.AuthMode),
			LoginPath:       cfg.Fetch.LoginPath,
			Headers:         cfg.Fetch.Headers,
		}),
		Extractor:  extractor.NewClient(a.clock),
		Persistor:  a.persistor,
		Notifier:   notifier,
		Dispatcher: dispatcher.New(cfg.Run.MaxConcurrency, logger.Named("dispatcher")),
		Retry:      retry.New(retry.Config{Policy: policy}, logger.Named("retry")),
		Clock:      a.clock,
	}
	if refresher != nil {
		deps.Pool = refresher
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		BatchSize:    cfg.Run.BatchSize,
		MaxClaims:    cfg.Run.MaxClaims,
		StaleAfter:   cfg.Run.StaleAfter,
		PollInterval: cfg.Run.PollInterval,
		FetchTimeout: cfg.Fetch.Timeout,
		BlockPenalty: cfg.RateLimit.BlockPenalty,
		Once:         cfg.Run.Once,
	}, deps, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	a.apiServer = api.NewServer(a.tracker, a.orchestrator, a.checks, api.Config{
		APIKey: cfg.Server.APIKey,
	}, logger.Named("api"))

	logger.Info("application services initialized",
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.String("authenticator", cfg.Session.Authenticator),
		zap.String("credential_store", cfg.Session.Store),
		zap.String("proxy_source", cfg.Proxy.Source),
		zap.String("notify_backend", cfg.Notify.Backend),
	)
	return a, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) initStorage(ctx context.Context) error {
	ids := uuid.New()
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database configured; work items and records are kept in memory")
		a.tracker = trackermem.New(a.clock, ids)
		a.persistor = persistmem.New()
		return nil
	}

	pool, err := database.Connect(ctx, database.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.onClose("postgres", func() error { pool.Close(); return nil })
	a.checks["postgres"] = pool

	tables := database.Tables{Items: a.cfg.DB.ItemsTable, Records: a.cfg.DB.RecordsTable}.WithDefaults()
	if a.cfg.DB.AutoMigrate {
		if err := database.EnsureSchema(ctx, pool, tables); err != nil {
			return err
		}
	}
	return a.postgresStores(pool, tables, ids)
}

func (a *App) postgresStores(pool *pgxpool.Pool, tables database.Tables, ids harvest.IDGenerator) error {
	tracker, err := trackerpg.New(pool, tables.Items, a.clock, ids)
	if err != nil {
		return fmt.Errorf("build tracker: %w", err)
	}
	persistor, err := persistpg.New(pool, tables.Records)
	if err != nil {
		return fmt.Errorf("build persistor: %w", err)
	}
	a.tracker = tracker
	a.persistor = persistor
	return nil
}

func (a *App) initSessions(ctx context.Context) error {
	store, err := a.credentialStore(ctx)
	if err != nil {
		return err
	}
	auth, err := a.authenticator()
	if err != nil {
		return err
	}
	a.sessions, err = session.New(auth, store, session.Config{
		RefreshAttempts: a.cfg.Session.RefreshAttempts,
		RefreshBackoff:  a.cfg.Session.RefreshBackoff,
		Clock:           a.clock,
	}, a.logger.Named("session"))
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	return nil
}

func (a *App) credentialStore(ctx context.Context) (harvest.CredentialStore, error) {
	sc := a.cfg.Session
	switch sc.Store {
	case "memory":
		return credstore.NewMemory(), nil
	case "file":
		return credstore.NewFile(sc.FilePath)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		a.onClose("gcs", client.Close)
		return credstore.NewGCS(client, credstore.GCSConfig{Bucket: sc.GCSBucket, Object: sc.GCSObject})
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
		a.onClose("redis", client.Close)
		a.checks["redis"] = redisPinger{client}
		return credstore.NewRedis(client, credstore.RedisConfig{Key: sc.RedisKey, TTL: sc.RedisTTL})
	default:
		return nil, fmt.Errorf("unknown credential store %q", sc.Store)
	}
}

func (a *App) authenticator() (harvest.Authenticator, error) {
	switch a.cfg.Session.Authenticator {
	case "static":
		return headless.NewStatic([]byte(a.cfg.Session.StaticBlob)), nil
	case "token":
		tc := a.cfg.Token
		auth, err := token.New(nil, token.Config{
			Endpoint:   tc.Endpoint,
			APIKey:     tc.APIKey,
			TargetURL:  tc.TargetURL,
			CookieName: tc.CookieName,
			Timeout:    tc.Timeout,
		}, a.logger.Named("token"))
		if err != nil {
			return nil, fmt.Errorf("build token authorizer: %w", err)
		}
		return auth, nil
	case "headless":
		hc := a.cfg.Headless
		auth, err := headless.NewChromedp(headless.Config{
			HomeURL:           hc.HomeURL,
			LoginURL:          hc.LoginURL,
			LandingURL:        hc.LandingURL,
			Username:          hc.Username,
			Password:          hc.Password,
			UserAgent:         hc.UserAgent,
			ExpiryCookie:      hc.ExpiryCookie,
			UserDataDir:       hc.UserDataDir,
			ProxyServer:       hc.ProxyServer,
			Headless:          hc.Headless,
			NavigationTimeout: hc.NavigationTimeout,
			SettleDelay:       hc.SettleDelay,
			Selectors:         headless.DefaultSelectors(),
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("build headless authenticator: %w", err)
		}
		a.onClose("chromedp", func() error { auth.Close(); return nil })
		return auth, nil
	default:
		return nil, fmt.Errorf("unknown authenticator %q", a.cfg.Session.Authenticator)
	}
}

// identities returns the identity source and, for pooled sources, the refresher.
func (a *App) identities(ctx context.Context) (orchestrator.Identities, orchestrator.PoolRefresher, error) {
	pc := a.cfg.Proxy
	var loader proxy.Loader
	switch pc.Source {
	case "none":
		return proxy.Direct{}, nil, nil
	case "static":
		loader = proxy.StaticLoader{Lines: pc.List, Tokens: pc.Tokens}
	case "file":
		loader = proxy.FileLoader{Path: pc.File}
	case "url":
		loader = proxy.URLLoader{URL: pc.URL}
	default:
		return nil, nil, fmt.Errorf("unknown proxy source %q", pc.Source)
	}
	initial, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load proxies: %w", err)
	}
	rotator := proxy.New(proxy.Config{
		Loader:          loader,
		RefreshInterval: pc.RefreshInterval,
		Clock:           a.clock,
	}, initial, a.logger.Named("proxy"))
	return rotator, rotator, nil
}

func (a *App) notifier(ctx context.Context) (harvest.Notifier, error) {
	nc := a.cfg.Notify
	switch nc.Backend {
	case "none":
		return nil, nil
	case "memory":
		return memorynotify.New(), nil
	case "pubsub":
		client, err := pubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		a.onClose("pubsub", client.Close)
		n := pubsubnotify.New(client.Publisher(nc.Topic))
		a.onClose("pubsub publisher", func() error { n.Close(); return nil })
		return n, nil
	case "kafka":
		n, err := kafkanotify.New(kafkanotify.Config{
			Brokers:     nc.KafkaBrokers,
			DoneTopic:   nc.DoneTopic,
			FailedTopic: nc.FailedTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("build kafka notifier: %w", err)
		}
		a.onClose("kafka", n.Close)
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", nc.Backend)
	}
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the ops HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run serves the ops endpoints while the orchestrator runs, and returns the run summary.
func (a *App) Run(ctx context.Context) (orchestrator.Summary, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	sum, err := a.orchestrator.Run(runCtx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("server shutdown error", zap.Error(serr))
		}
	}
	if err != nil {
		return sum, fmt.Errorf("run harvest: %w", err)
	}
	return sum, nil
}

// Sweep returns items stuck in claimed back to pending.
func (a *App) Sweep(ctx context.Context) (int, error) {
	n, err := a.tracker.ResetStale(ctx, a.cfg.Run.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", err)
	}
	return n, nil
}

// Login forces a fresh login and persists the resulting credentials.
func (a *App) Login(ctx context.Context) (harvest.Session, error) {
	if err := a.sessions.Restore(ctx); err != nil {
		a.logger.Warn("restore credentials failed", zap.Error(err))
	}
	sess, err := a.sessions.Refresh(ctx)
	if err != nil {
		return harvest.Session{}, fmt.Errorf("login: %w", err)
	}
	return sess, nil
}

// Enqueue adds job ids as pending work items.
func (a *App) Enqueue(ctx context.Context, ids ...string) (int, error) {
	n, err := a.tracker.Enqueue(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return n, nil
}

// Counts returns the work item status histogram.
func (a *App) Counts(ctx context.Context) (map[harvest.Status]int, error) {
	counts, err := a.tracker.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	return counts, nil
}

// Close shuts down services in reverse order of creation and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close service failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
}
