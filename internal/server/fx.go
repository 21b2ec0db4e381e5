// Package server builds the crawlops process from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/api"
	"github.com/JakeFAU/crawlops/internal/capture"
	"github.com/JakeFAU/crawlops/internal/capture/extract"
	"github.com/JakeFAU/crawlops/internal/clock/system"
	"github.com/JakeFAU/crawlops/internal/config"
	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlops/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawlops/internal/fetcher/headless"
	"github.com/JakeFAU/crawlops/internal/hash/sha256"
	"github.com/JakeFAU/crawlops/internal/headless/detector"
	"github.com/JakeFAU/crawlops/internal/id/uuid"
	"github.com/JakeFAU/crawlops/internal/logging"
	"github.com/JakeFAU/crawlops/internal/metrics"
	"github.com/JakeFAU/crawlops/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlops/internal/profile"
	"github.com/JakeFAU/crawlops/internal/progress"
	progresssinks "github.com/JakeFAU/crawlops/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawlops/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlops/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlops/internal/queue"
	"github.com/JakeFAU/crawlops/internal/session"
	gcsstorage "github.com/JakeFAU/crawlops/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlops/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlops/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawlops/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/crawlops/internal/storage/sqlite"
	"github.com/JakeFAU/crawlops/internal/worker"
)

const robotsTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock

	governor    *profile.Governor
	queue       *queue.Queue
	dispatch    *dispatcher.Dispatcher
	progressHub *progress.Hub
	broadcast   *progresssinks.BroadcastSink
	sessions    session.Store
	sweeper     *session.Sweeper
	apiServer   *api.Server

	blobs        crawler.BlobStore
	publisher    crawler.Publisher
	gcsStore     *gcsstorage.BlobStore
	pubsubClient *gcppublisher.Publisher
	renderer     crawler.Renderer
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("active_profile", cfg.Queue.ActiveProfile),
		zap.String("sessions_driver", cfg.Sessions.Driver),
		zap.String("storage_provider", cfg.Storage.Provider),
	)

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	app.governor, err = profile.New(cfg.Queue.ActiveProfile, cfg.Profiles, logger.Named("governor"))
	if err != nil {
		return nil, fmt.Errorf("profile governor init failed: %w", err)
	}

	if err := app.setupPublisher(ctx); err != nil {
		return app, err
	}
	if err := app.setupStorage(ctx); err != nil {
		return app, err
	}
	if err := app.setupSessions(ctx); err != nil {
		return app, err
	}
	if err := app.setupProgress(ctx); err != nil {
		return app, err
	}

	app.queue, err = queue.New(queue.Config{
		Governor: app.governor,
		Clock:    app.clock,
		IDs:      uuid.New(),
		Emitter:  app.progressHub,
		Logger:   logger.Named("queue"),
	})
	if err != nil {
		return app, fmt.Errorf("queue init failed: %w", err)
	}
	if cfg.Metrics.Enabled {
		if err := prometheus.Register(metrics.NewQueueCollector(app.queue.Stats)); err != nil {
			app.logger.Warn("queue collector registration failed", zap.Error(err))
		}
	}

	if err := app.setupDispatcher(); err != nil {
		return app, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Queue:    app.queue,
		Governor: app.governor,
		Sessions: app.sessions,
		Events:   app.broadcast,
		Clock:    app.clock,
	}, api.Config{
		APIKey:             app.apiKey(),
		DefaultMaxDepth:    cfg.Queue.MaxDepth,
		RequestTimeout:     cfg.Server.RequestTimeout,
		Metrics:            cfg.Metrics.Enabled,
		SessionExpiryHours: cfg.Sessions.DefaultExpiryHours,
	}, logger.Named("api"))

	return app, nil
}

func (a *App) apiKey() string {
	if !a.cfg.Auth.Enabled {
		return ""
	}
	return a.cfg.Auth.APIKey
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.sweeper.Run(ctx)
	}()

	srv := &http.Server{
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

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. It tolerates a partially
// built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if closer, ok := a.renderer.(interface{ Close() }); ok {
		closer.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New(0)
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = gcppublisher.New(client, a.cfg.PubSub.Topic)
	a.publisher = a.pubsubClient
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
		zap.String("events_topic", a.cfg.PubSub.EventsTopic),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Provider {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.blobs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", store.BaseDir()))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupSessions(ctx context.Context) error {
	store, err := OpenSessions(ctx, a.cfg.Sessions, a.clock, a.logger)
	if err != nil {
		return err
	}
	a.sessions = store
	a.sweeper = session.NewSweeper(a.sessions, a.cfg.Sessions.SweepInterval, a.logger.Named("session_sweeper"))
	return nil
}

// OpenSessions opens the session store selected by cfg.Driver.
func OpenSessions(ctx context.Context, cfg config.SessionsConfig, clock session.Clock, logger *zap.Logger) (session.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "postgres":
		store, err := pgstore.NewSessionStore(ctx, pgstore.SessionStoreConfig{DSN: cfg.DSN}, clock)
		if err != nil {
			return nil, fmt.Errorf("postgres session store init failed: %w", err)
		}
		logger.Info("using postgres session store")
		return store, nil
	default:
		store, err := sqlitestore.Open(ctx, sqlitestore.Options{
			Dir:    cfg.Dir,
			Clock:  clock,
			Logger: logger.Named("sessions"),
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite session store init failed: %w", err)
		}
		logger.Info("using sqlite session store", zap.String("path", store.Path()))
		return store, nil
	}
}

func (a *App) setupProgress(ctx context.Context) error {
	a.broadcast = progresssinks.NewBroadcastSink(a.cfg.Progress.SubscriberQueue, a.logger.Named("progress_broadcast"))
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		a.broadcast,
	}
	if a.cfg.Metrics.Enabled {
		promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus progress sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if a.cfg.PubSub.EventsTopic != "" {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			a.publisher,
			a.cfg.PubSub.EventsTopic,
			progress.StageChallengeOpen,
			progress.StageEntryDone,
			progress.StageEntryFailed,
		))
		a.logger.Debug("added progress publisher sink", zap.String("topic", a.cfg.PubSub.EventsTopic))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		BaseContext:    ctx,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupDispatcher() error {
	capCfg := a.cfg.Capture
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    capCfg.UserAgent,
		Timeout:      capCfg.Timeout,
		MaxBodyBytes: capCfg.MaxBodyBytes,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", capCfg.UserAgent))

	deps := capture.Deps{
		Fetcher:   fetcher,
		Detector:  detector.NewChallenges(),
		Extractor: extract.New(),
		Blobs:     a.blobs,
		Hasher:    sha256.New(),
		Publisher: a.publisher,
		Clock:     a.clock,
	}
	if capCfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       capCfg.Headless.MaxParallel,
			UserAgent:         capCfg.UserAgent,
			NavigationTimeout: capCfg.Headless.NavTimeout,
			SettleDelay:       capCfg.Headless.SettleDelay,
		})
		if err != nil {
			return fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.renderer = renderer
		deps.Promoter = detector.NewHeuristic(capCfg.PromotionMinBytes)
		a.logger.Info("using headless renderer", zap.Int("max_parallel", capCfg.Headless.MaxParallel))
	} else {
		a.renderer = headlessfetcher.NewNoop()
		a.logger.Info("headless rendering disabled")
	}
	deps.Renderer = a.renderer

	pipeline, err := capture.New(deps, capture.Config{
		BlobPrefix: a.cfg.Storage.Prefix,
		Topic:      a.cfg.PubSub.Topic,
	}, a.logger.Named("capture"))
	if err != nil {
		return fmt.Errorf("capture pipeline init failed: %w", err)
	}

	robots := crawler.NewRobotsEnforcer(&http.Client{Timeout: robotsTimeout}, capCfg.UserAgent, a.logger.Named("robots"))
	w, err := worker.New(worker.Deps{
		Queue:     a.queue,
		Governor:  a.governor,
		Pipeline:  pipeline,
		Robots:    robots,
		Blocklist: crawler.NewDomainBlocklist(capCfg.Blocklist),
		Limiter:   ratelimit.New(),
		Sessions:  a.sessions,
		Emitter:   a.progressHub,
		Clock:     a.clock,
	}, worker.Config{UserAgent: capCfg.UserAgent}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.queue, w, dispatcher.Config{Tick: a.cfg.Queue.TickInterval}, a.logger.Named("dispatcher"))
	return nil
}
