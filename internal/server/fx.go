// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/map-harvester/internal/api"
	"github.com/JakeFAU/map-harvester/internal/clock/system"
	"github.com/JakeFAU/map-harvester/internal/config"
	"github.com/JakeFAU/map-harvester/internal/coordinator"
	"github.com/JakeFAU/map-harvester/internal/dedupe"
	"github.com/JakeFAU/map-harvester/internal/dispatcher"
	"github.com/JakeFAU/map-harvester/internal/export"
	"github.com/JakeFAU/map-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/map-harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/map-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/hash/sha256"
	"github.com/JakeFAU/map-harvester/internal/headless/detector"
	"github.com/JakeFAU/map-harvester/internal/id/uuid"
	"github.com/JakeFAU/map-harvester/internal/logging"
	"github.com/JakeFAU/map-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/map-harvester/internal/progress/sinks"
	kafkapublisher "github.com/JakeFAU/map-harvester/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/map-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/map-harvester/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/map-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/map-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/map-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/map-harvester/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/map-harvester/internal/storage/sqlite"
)

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	registerer  prometheus.Registerer
	store       harvest.Store
	coordinator *coordinator.Coordinator
	apiServer   *api.Server
	progressHub *progress.Hub
	redisSink   *progresssinks.RedisSink
	publisher   harvest.Publisher
	headless    *headlessfetcher.Fetcher
	storage     *storage.Client

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithRegisterer registers the Prometheus progress sink against reg instead of
// the default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type sanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Store      string `json:"store"`
		Fetcher    string `json:"fetcher"`
		Publisher  string `json:"publisher"`
		Export     string `json:"export"`
	}
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort: cfg.Server.Port,
		Store:      cfg.Store.Backend,
		Fetcher:    cfg.Fetcher.Mode,
		Publisher:  cfg.Publisher.Backend,
		Export:     cfg.Export.Backend,
	}))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Coordinator returns the run coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the HTTP API and blocks until ctx is canceled or a termination
// signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close interrupts local dispatchers, releases their run locks, and closes
// every backend. Calls after the first return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	a.logger.Info("shutdown complete")
	// Syncing stderr fails on some platforms.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the redis sink, so it closes first.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if closer, ok := a.publisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		if err := a.headless.Close(); err != nil {
			a.logger.Warn("headless fetcher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	overrides := &App{}
	for _, opt := range opts {
		opt(overrides)
	}
	logger := overrides.logger
	if logger == nil {
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	built, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	built.registerer = overrides.registerer
	defer func() {
		if err != nil {
			_ = built.Close(context.Background())
		}
	}()
	app = built

	app.logger.Info("building application dependencies")
	clock := system.New()

	if app.store, err = setupStore(ctx, app, clock); err != nil {
		return nil, err
	}
	blobs, err := setupExportStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if app.publisher, err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	emitter := setupProgress(app)
	fetch, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}

	dispatch := dispatcher.New(dispatcher.Deps{
		Store:     app.store,
		Fetcher:   fetch,
		Publisher: app.publisher,
		Emitter:   emitter,
		Clock:     clock,
		Logger:    app.logger.Named("dispatcher"),
	}, dispatcher.Config{
		PollInitial:    config.Millis(cfg.Harvest.PollInitialMs),
		PollMax:        config.Millis(cfg.Harvest.PollMaxMs),
		BackendRetries: cfg.Harvest.BackendRetries,
		LockTTL:        cfg.LockTTL(),
		Topic:          cfg.Publisher.Topic,
	})

	ownerPrefix := cfg.Harvest.OwnerPrefix
	if ownerPrefix == "" {
		if host, herr := os.Hostname(); herr == nil {
			ownerPrefix = host
		}
	}
	app.coordinator = coordinator.New(coordinator.Deps{
		Store:      app.store,
		Dispatcher: dispatch,
		Hasher:     sha256.New(),
		IDs:        uuid.New(),
		Clock:      clock,
		Emitter:    emitter,
		Exporter:   export.New(blobs, cfg.Export.Prefix, clock),
		Logger:     app.logger.Named("coordinator"),
	}, coordinator.Config{
		Defaults:      cfg.RunDefaults(),
		SeedBatchSize: cfg.Harvest.SeedBatchSize,
		Policy: dedupe.Policy{
			ExcludeMode:  dedupe.ExcludeMode(cfg.Dedupe.ExcludeMode),
			IdentityMode: dedupe.IdentityMode(cfg.Dedupe.IdentityMode),
		},
		OwnerPrefix: ownerPrefix,
	})

	exportFormat, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		return nil, err
	}
	var live api.LiveReader
	if app.redisSink != nil {
		live = app.redisSink
	}
	app.apiServer = api.NewServer(app.coordinator, live, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		ExportFormat:   exportFormat,
	}, app.logger.Named("api"))

	return app, nil
}

func setupStore(ctx context.Context, app *App, clock harvest.Clock) (harvest.Store, error) {
	cfg := app.cfg.Store
	switch cfg.Backend {
	case "postgres":
		app.logger.Info("using postgres progress store")
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeSeconds) * time.Second,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return store, nil
	case "memory":
		app.logger.Warn("using in-memory progress store; runs will not survive a restart")
		return memorystorage.NewStore(clock), nil
	default:
		app.logger.Info("using sqlite progress store", zap.String("path", cfg.SQLite.Path))
		store, err := sqlitestore.New(ctx, sqlitestore.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: config.Millis(cfg.SQLite.BusyTimeoutMs),
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return store, nil
	}
}

func setupExportStorage(ctx context.Context, app *App) (harvest.BlobStore, error) {
	cfg := app.cfg.Export
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS export backend", zap.String("bucket", cfg.Bucket))
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.storage, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local export backend", zap.String("path", cfg.BaseDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory export backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (harvest.Publisher, error) {
	cfg := app.cfg.Publisher
	switch cfg.Backend {
	case "pubsub":
		pub, err := gcppublisher.New(ctx, gcppublisher.Config{ProjectID: app.cfg.PubSub.ProjectID, Topic: cfg.Topic})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: app.cfg.Kafka.Brokers, Topic: cfg.Topic})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", app.cfg.Kafka.Brokers),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("commit notifications disabled")
		return nil, nil
	}
}

func setupProgress(app *App) progress.Emitter {
	cfg := app.cfg.Progress
	if !cfg.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard
	}
	var sinkList []progress.Sink
	if cfg.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		app.logger.Warn("prometheus progress sink disabled", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	if app.cfg.Redis.Addr != "" {
		redisSink, err := progresssinks.NewRedisSink(progresssinks.RedisConfig{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
			Prefix:   app.cfg.Redis.Prefix,
			TTL:      time.Duration(app.cfg.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			app.logger.Warn("redis progress sink disabled", zap.Error(err))
		} else {
			app.redisSink = redisSink
			sinkList = append(sinkList, redisSink)
		}
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return progress.Discard
	}
	hubCfg := progress.Config{
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.Batch.MaxEvents,
		MaxBatchWait:   config.Millis(cfg.Batch.MaxWaitMs),
		SinkTimeout:    config.Millis(cfg.SinkTimeoutMs),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub
}

// pageConfig maps the fetcher section onto the extraction config shared by
// both fetchers.
func pageConfig(cfg config.FetcherConfig) fetcher.Config {
	sel := cfg.Selectors
	return fetcher.Config{
		URLTemplate: cfg.URLTemplate,
		UserAgent:   cfg.UserAgent,
		Selectors: fetcher.Selectors{
			Listing: sel["listing"],
			Name:    sel["name"],
			Address: sel["address"],
			Phone:   sel["phone"],
			Website: sel["website"],
			Rating:  sel["rating"],
			Reviews: sel["reviews"],
			Link:    sel["link"],
		},
		IDPattern:     cfg.IDPattern,
		CaptchaMarker: cfg.CaptchaMarker,
		RespectRobots: cfg.RespectRobots,
		Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
}

func setupFetcher(app *App) (harvest.Fetcher, error) {
	cfg := app.cfg.Fetcher
	page := pageConfig(cfg)

	if cfg.Mode != "http" {
		var err error
		app.headless, err = headlessfetcher.NewChromedp(page, headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
			SettleDelay:       config.Millis(cfg.Headless.SettleMs),
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.logger.Info("headless fetcher enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		if cfg.Mode == "headless" {
			return app.headless, nil
		}
	}

	opts := []collyfetcher.Option{collyfetcher.WithLogger(app.logger.Named("fetcher"))}
	if app.headless != nil {
		opts = append(opts, collyfetcher.WithFallback(app.headless, detector.NewHeuristic(cfg.Headless.PromotionThreshold)))
	}
	fetch, err := collyfetcher.New(page, opts...)
	if err != nil {
		return nil, fmt.Errorf("http fetcher init failed: %w", err)
	}
	app.logger.Info("using colly fetcher",
		zap.String("mode", cfg.Mode),
		zap.String("user_agent", cfg.UserAgent),
		zap.Bool("respect_robots", cfg.RespectRobots),
	)
	return fetch, nil
}
