// Package server builds the snapshot service's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/api"
	"github.com/JakeFAU/page-snapshot-cache/internal/cache"
	"github.com/JakeFAU/page-snapshot-cache/internal/clock/system"
	"github.com/JakeFAU/page-snapshot-cache/internal/config"
	"github.com/JakeFAU/page-snapshot-cache/internal/consent"
	collyfetcher "github.com/JakeFAU/page-snapshot-cache/internal/fetcher/colly"
	"github.com/JakeFAU/page-snapshot-cache/internal/hash/sha256"
	"github.com/JakeFAU/page-snapshot-cache/internal/id/uuid"
	leasememory "github.com/JakeFAU/page-snapshot-cache/internal/lease/memory"
	leaseredis "github.com/JakeFAU/page-snapshot-cache/internal/lease/redis"
	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/page-snapshot-cache/internal/publisher/pubsub"
	"github.com/JakeFAU/page-snapshot-cache/internal/scraping"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
	gcsstorage "github.com/JakeFAU/page-snapshot-cache/internal/storage/gcs"
	localstorage "github.com/JakeFAU/page-snapshot-cache/internal/storage/local"
	memorystorage "github.com/JakeFAU/page-snapshot-cache/internal/storage/memory"
	pgstore "github.com/JakeFAU/page-snapshot-cache/internal/storage/postgres"
	"github.com/JakeFAU/page-snapshot-cache/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	service        *cache.Service
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	pgStore        *pgstore.Store
	redisLocker    *leaseredis.Locker
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. logger is owned by the caller.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Server.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("database_backend", cfg.Database.Backend),
		zap.Bool("scraping_enabled", cfg.ScrapingEnabled()),
	)

	// Release whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := app.setupDatabase(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := app.setupLocker(ctx)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	clock := system.New()
	resolver := consent.NewResolver(docs, hasher, logger.Named("consent"))

	app.service = cache.NewService(
		docs,
		blobs,
		app.setupFetcher(clock),
		resolver,
		publisher,
		locker,
		hasher,
		clock,
		uuid.New(),
		cache.Config{
			FreshnessHours: cfg.Cache.FreshnessHours,
			MaxSnapshots:   cfg.Cache.MaxSnapshots,
			WaitMs:         cfg.Scraping.WaitMs,
			BlockAds:       cfg.Scraping.BlockAds,
			BlobPrefix:     cfg.Storage.Prefix,
			EventTopic:     cfg.PubSub.Topic,
			LeaseTTL:       cfg.Cache.LeaseTTL,
			LeaseWait:      cfg.Cache.LeaseWait,
			LeasePoll:      cfg.Cache.LeasePoll,
		},
		logger.Named("cache"),
	)

	app.apiServer = api.NewServer(app.service, resolver, app.ready, cfg, logger.Named("api"))
	ok = true
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close(shutdownCtx)
	return runErr
}

// Close releases every client the app opened.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisLocker != nil {
		if err := a.redisLocker.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// ready checks the networked dependencies that every request needs.
func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		if err := a.pgStore.Ping(ctx); err != nil {
			return err
		}
	}
	if a.redisLocker != nil {
		if err := a.redisLocker.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (snapshot.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Warn("using in-memory storage backend; snapshots are lost on restart")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) (snapshot.DocumentStore, error) {
	if a.cfg.Database.Backend != "postgres" {
		a.logger.Warn("using in-memory document store; url records are lost on restart")
		return memorystorage.NewDocumentStore(), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("document store init failed: %w", err)
	}
	a.pgStore = store
	if a.cfg.Database.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("document store schema failed: %w", err)
		}
	}
	a.logger.Info("postgres document store initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (snapshot.Publisher, error) {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, snapshot events are not published")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return a.publisher, nil
}

func (a *App) setupLocker(ctx context.Context) (snapshot.Locker, error) {
	if a.cfg.Redis.URL == "" {
		a.logger.Info("no redis configured, fetch leases are per process")
		return leasememory.New(system.New()), nil
	}
	locker, err := leaseredis.NewFromURL(ctx, a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis lease init failed: %w", err)
	}
	a.redisLocker = locker
	return locker, nil
}

// setupFetcher assembles limiter -> provider client -> escalator -> dual fetcher.
func (a *App) setupFetcher(clock snapshot.Clock) *scraping.DualFetcher {
	sc := a.cfg.Scraping
	fallback := collyfetcher.New(collyfetcher.Config{
		UserAgent: sc.UserAgent,
		Timeout:   sc.FallbackTimeout,
	})
	limiter := ratelimit.New(ratelimit.Config{
		RatePerSecond: sc.RatePerSecond,
		Burst:         sc.Burst,
	})
	client := scraping.NewClient(
		scraping.Config{
			APIKey:         sc.APIKey,
			AuthURL:        sc.AuthURL,
			BaseURL:        sc.BaseURL,
			RequestTimeout: sc.RequestTimeout,
			WaitMs:         sc.WaitMs,
			MobileWidth:    sc.MobileWidth,
			UserAgent:      sc.UserAgent,
		},
		&http.Client{Timeout: sc.RequestTimeout + 10*time.Second},
		scraping.NewTokenCache(clock, sc.TokenLifetime, sc.TokenRefreshMargin),
		limiter,
		a.logger.Named("scraping"),
	)
	if !client.Configured() {
		a.logger.Warn("scraping provider not configured, pages are fetched without rendering or screenshots")
	}
	escalator := scraping.NewEscalator(client, fallback, sc.FallbackTimeout, a.logger.Named("escalation"))
	return scraping.NewDualFetcher(escalator, sc.DualTimeout, a.logger.Named("dual"))
}
