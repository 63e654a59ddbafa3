// Package server provides the core application server and dependency injection.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bulkops/internal/api"
	"github.com/JakeFAU/bulkops/internal/batch"
	"github.com/JakeFAU/bulkops/internal/cache"
	"github.com/JakeFAU/bulkops/internal/clock/system"
	"github.com/JakeFAU/bulkops/internal/config"
	"github.com/JakeFAU/bulkops/internal/coordinator"
	"github.com/JakeFAU/bulkops/internal/dispatcher"
	"github.com/JakeFAU/bulkops/internal/handlers"
	"github.com/JakeFAU/bulkops/internal/id/uuid"
	"github.com/JakeFAU/bulkops/internal/logging"
	"github.com/JakeFAU/bulkops/internal/metrics"
	"github.com/JakeFAU/bulkops/internal/policy/ratelimit"
	"github.com/JakeFAU/bulkops/internal/progress"
	progresssinks "github.com/JakeFAU/bulkops/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/bulkops/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/bulkops/internal/publisher/pubsub"
	"github.com/JakeFAU/bulkops/internal/schedule"
	"github.com/JakeFAU/bulkops/internal/service"
	"github.com/JakeFAU/bulkops/internal/storage/archive"
	gcsstorage "github.com/JakeFAU/bulkops/internal/storage/gcs"
	localstorage "github.com/JakeFAU/bulkops/internal/storage/local"
	memorystorage "github.com/JakeFAU/bulkops/internal/storage/memory"
	pgstore "github.com/JakeFAU/bulkops/internal/storage/postgres"
	redisstore "github.com/JakeFAU/bulkops/internal/storage/redis"
	"github.com/JakeFAU/bulkops/internal/store"
	"github.com/JakeFAU/bulkops/internal/telemetry"
)

const readHeaderTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer *api.Server
	service   *service.Service
	progress  *cache.Cache
	records   store.RecordRepository
	runs      store.RunRepository

	dispatch    *dispatcher.Dispatcher
	scheduler   *schedule.Scheduler
	progressHub *progress.Hub

	pool            *pgxpool.Pool
	redis           *goredis.Client
	blobs           *gcsstorage.BlobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher

	registerer     prometheus.Registerer
	extraHandlers  []batch.SliceHandler
	tracerShutdown telemetry.Shutdown

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithLogger replaces the logger Build would create from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithHandlers registers slice handlers next to the built-in json handler.
func WithHandlers(h ...batch.SliceHandler) Option {
	return func(a *App) { a.extraHandlers = append(a.extraHandlers, h...) }
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Service exposes the task service for in-process callers.
func (a *App) Service() *service.Service {
	return a.service
}

// RunTask validates task and runs it synchronously in this process.
func (a *App) RunTask(ctx context.Context, task batch.Task) (batch.Record, progress.Snapshot, error) {
	return a.service.Run(ctx, task)
}

// Run starts the HTTP server and blocks until ctx is canceled or a signal
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close waits for running tasks and releases every dependency. Failures are
// logged and joined. Only the first call does any work.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		if err := a.service.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wait for tasks: %w", err))
		}
	}
	if a.dispatch != nil {
		if err := a.dispatch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
		}
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	errs = append(errs, a.closeInfrastructure(ctx)...)
	a.closeObservability(ctx)
	for _, err := range errs {
		a.logger.Warn("shutdown step failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) []error {
	var errs []error
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errs
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error every dependency
// created so far is released.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (app *App, err error) {
	app = &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(app.logger)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	app.tracerShutdown, err = telemetry.Init(ctx, cfg.Tracing)
	if err != nil {
		return app, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")
	if err = setupDatabase(ctx, app); err != nil {
		return app, err
	}
	if err = setupArchive(ctx, app); err != nil {
		return app, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return app, err
	}
	if err = setupEvents(ctx, app, publisher); err != nil {
		return app, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return app, err
	}
	if err = setupService(app); err != nil {
		return app, err
	}

	app.apiServer = api.NewServer(
		app.service,
		app.progress,
		app.records,
		app.runs,
		*cfg,
		app.logger.Named("api"),
		api.WithReadiness(app.ready),
		api.WithSubmitLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Server.SubmitRPS,
			DefaultBurst: cfg.Server.SubmitBurst,
		})),
	)
	return app, nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping records and runs in memory")
		app.records = memorystorage.NewRecordStore()
		app.runs = memorystorage.NewRunStore()
		return nil
	}
	var err error
	app.pool, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if app.cfg.DB.Migrate {
		if err = pgstore.Migrate(ctx, app.pool); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		app.logger.Info("postgres schema migrated")
	}
	app.records, err = pgstore.NewRecordStore(app.pool, pgstore.RecordTables{
		Records: app.cfg.DB.RecordsTable,
		Details: app.cfg.DB.DetailsTable,
	})
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	app.runs, err = pgstore.NewRunStore(app.pool, app.cfg.DB.RunsTable)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized",
		zap.String("records_table", app.cfg.DB.RecordsTable),
		zap.String("details_table", app.cfg.DB.DetailsTable),
		zap.String("runs_table", app.cfg.DB.RunsTable),
	)
	return nil
}

func setupArchive(ctx context.Context, app *App) error {
	var blobs batch.BlobStore
	switch app.cfg.Storage.Backend {
	case config.BackendGCS:
		gcs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = gcs
		blobs = gcs
		app.logger.Info("archiving records to GCS", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		app.logger.Info("archiving records to local disk", zap.String("path", app.cfg.Storage.LocalDir))
	case config.BackendMemory:
		blobs = memorystorage.NewBlobStore()
		app.logger.Info("archiving records in memory")
	default:
		return nil
	}
	archived, err := archive.New(app.records, blobs, app.cfg.Storage.Prefix, app.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("archive init failed: %w", err)
	}
	app.records = archived
	return nil
}

func setupPublisher(ctx context.Context, app *App) (batch.Publisher, error) {
	switch app.cfg.PubSub.Backend {
	case config.BackendPubSub:
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
		return app.pubsubPublisher, nil
	case config.BackendMemory:
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("summary publishing disabled")
		return nil, nil
	}
}

func setupEvents(ctx context.Context, app *App, publisher batch.Publisher) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	if app.cfg.Events.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublisherSink(
			publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_publisher"),
		))
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatch,
		MaxBatchWait:   time.Duration(app.cfg.Events.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Events.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	var backing store.ProgressStore
	switch app.cfg.Progress.Store {
	case config.BackendRedis:
		redisCfg := redisstore.Config{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
			Prefix:   app.cfg.Redis.Prefix,
			TTL:      app.cfg.RedisTTL(),
		}
		var err error
		app.redis, err = redisstore.Open(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		backing, err = redisstore.NewProgressStore(app.redis, redisCfg)
		if err != nil {
			return fmt.Errorf("redis progress store init failed: %w", err)
		}
		app.logger.Info("using redis progress store", zap.String("addr", redisCfg.Addr))
	default:
		backing = memorystorage.NewProgressStore()
		app.logger.Info("using in-memory progress store")
	}

	every, err := schedule.Parse(app.cfg.Progress.Refresh)
	if err != nil {
		return fmt.Errorf("progress refresh: %w", err)
	}
	app.scheduler = schedule.New(app.logger.Named("schedule"))
	app.progress, err = cache.New(backing, app.scheduler, every, app.logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("progress cache init failed: %w", err)
	}
	return nil
}

func setupService(app *App) error {
	var err error
	app.dispatch, err = dispatcher.New(dispatcher.Config{
		Workers:   app.cfg.Pool.Workers,
		QueueSize: app.cfg.Pool.QueueSize,
	}, app.logger.Named("dispatcher"))
	if err != nil {
		return fmt.Errorf("dispatcher init failed: %w", err)
	}

	clock := system.New()
	sliceHandlers := append(
		[]batch.SliceHandler{handlers.JSONHandler{RequiredFields: app.cfg.Batch.RequiredFields}},
		app.extraHandlers...,
	)
	handlerRegistry := batch.NewHandlerRegistry(sliceHandlers...)
	splitters := batch.NewSplitterRegistry(batch.NewFixedSizeSplitter(app.cfg.Batch.SliceSize))

	coord := coordinator.New(
		coordinator.Config{
			MaxWorkers:         app.cfg.Batch.MaxWorkers,
			AdmissionThreshold: app.cfg.Pool.AdmissionThreshold,
		},
		splitters,
		handlerRegistry,
		app.dispatch,
		coordinator.WithStores(app.records, app.records),
		coordinator.WithEmitter(app.progressHub),
		coordinator.WithClock(clock),
		coordinator.WithLogger(app.logger.Named("coordinator")),
	)

	app.service, err = service.New(
		service.Config{
			Counter:      app.cfg.Progress.Counter,
			AlmostDone:   app.cfg.Progress.AlmostDone,
			StrictFinish: app.cfg.Progress.StrictFinish,
			MaxItems:     app.cfg.Batch.MaxItems,
		},
		coord,
		app.progress,
		handlerRegistry,
		uuid.New(),
		clock,
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("service init failed: %w", err)
	}
	app.logger.Info("task service initialized",
		zap.Int("pool_workers", app.cfg.Pool.Workers),
		zap.Int("max_workers_per_task", app.cfg.Batch.MaxWorkers),
		zap.Int("slice_size", app.cfg.Batch.SliceSize),
		zap.String("counter", app.cfg.Progress.Counter),
	)
	return nil
}
