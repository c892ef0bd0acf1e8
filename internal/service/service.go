// Package service собирает компоненты подсистемы шардирования и мониторинга,
// управляет их жизненным циклом и корректным завершением работы по SIGINT/SIGTERM.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/cache"
	"github.com/levinOo/go-shard-monitor/internal/config"
	"github.com/levinOo/go-shard-monitor/internal/config/db"
	"github.com/levinOo/go-shard-monitor/internal/events"
	"github.com/levinOo/go-shard-monitor/internal/handler"
	"github.com/levinOo/go-shard-monitor/internal/health"
	"github.com/levinOo/go-shard-monitor/internal/logger"
	"github.com/levinOo/go-shard-monitor/internal/metrics"
	"github.com/levinOo/go-shard-monitor/internal/monitoring"
	"github.com/levinOo/go-shard-monitor/internal/repository"
	"github.com/levinOo/go-shard-monitor/internal/sharding"
)

const (
	shutdownTimeout = 30 * time.Second
	pprofAddr       = "localhost:6060"
)

type options struct {
	openShard sharding.Opener
	openStore func(ctx context.Context, dsn string, opts db.PoolOptions) (*sql.DB, error)
	sampler   monitoring.Sampler
}

// Option подменяет внешние зависимости приложения.
type Option func(*options)

// WithShardOpener задаёт способ открытия пулов шардов.
func WithShardOpener(open sharding.Opener) Option {
	return func(o *options) { o.openShard = open }
}

// WithStoreOpener задаёт способ открытия пула основного хранилища.
func WithStoreOpener(open func(ctx context.Context, dsn string, opts db.PoolOptions) (*sql.DB, error)) Option {
	return func(o *options) { o.openStore = open }
}

// WithSampler задаёт источник метрик процесса.
func WithSampler(s monitoring.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// App содержит все компоненты подсистемы. Создаётся через New, запускается Start
// и останавливается Shutdown.
type App struct {
	cfg    config.Config
	logger *zap.SugaredLogger

	Bus      *events.Bus
	Router   *sharding.Router
	Cache    *cache.Observer
	Pipeline *monitoring.Pipeline
	Health   *health.Monitor
	Registry *prometheus.Registry

	storeDB  *sql.DB
	redis    *redis.Client
	removers []func()

	server    *http.Server
	listener  net.Listener
	serverErr chan error
}

// New создаёт и связывает компоненты. Пулы шардов открываются только в Start.
func New(ctx context.Context, cfg config.Config, sugar *zap.SugaredLogger, opts ...Option) (*App, error) {
	o := options{
		openShard: db.ShardOpener(cfg.PoolOptions()),
		openStore: db.Open,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:       cfg,
		logger:    sugar,
		Bus:       events.NewBus(),
		Registry:  prometheus.NewRegistry(),
		serverErr: make(chan error, 1),
	}

	a.removers = append(a.removers, a.Bus.RegisterClient(events.NewLogConsumer(sugar)))
	if cfg.EventsFile != "" {
		a.removers = append(a.removers, a.Bus.RegisterClient(events.NewFileConsumer(cfg.EventsFile, sugar)))
	}

	// источники передаются как интерфейсы, чтобы отсутствующая зависимость была nil-интерфейсом
	var (
		storeSrc   monitoring.StoreSource
		storeProbe health.StoreProbe
		pinger     handler.Pinger
		cacheSrc   monitoring.CacheSource
		cacheProbe health.CacheProbe
		cacheView  handler.CacheSource
	)

	if cfg.DatabaseDSN != "" {
		conn, err := o.openStore(ctx, cfg.DatabaseDSN, cfg.PoolOptions())
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.storeDB = conn
		storage := repository.NewDBStorage(conn)
		storeSrc, storeProbe, pinger = storage, storage, storage
	} else {
		sugar.Infow("Database DSN is not set, store checks disabled")
	}

	if cfg.Cache.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		a.Cache = cache.NewObserver(cache.NewRedisProber(a.redis), sugar, cfg.Cache.MaxHistory)
		cacheSrc, cacheProbe, cacheView = a.Cache, a.Cache, a.Cache
	} else {
		sugar.Infow("Cache address is not set, cache observer disabled")
	}

	sampler := o.sampler
	if sampler == nil {
		ps, err := monitoring.NewProcessSampler()
		if err != nil {
			sugar.Warnw("Process metrics disabled", "error", err)
		} else {
			sampler = ps
		}
	}

	// маршрутизатор сообщает о запросах конвейеру, который создаётся следующим
	var pipeline *monitoring.Pipeline
	a.Router = sharding.NewRouter(cfg.RouterConfig(), o.openShard, sugar,
		sharding.WithQueryTracker(sharding.QueryTrackerFunc(func(query string, params []any, start time.Time) {
			pipeline.TrackQuery(query, params, start)
		})),
	)
	pipeline = monitoring.NewPipeline(cfg.PipelineConfig(), sampler, storeSrc, cacheSrc, a.Router, a.Bus, sugar)
	a.Pipeline = pipeline

	a.Health = health.NewMonitor(cfg.MonitorConfig(), storeProbe, cacheProbe, a.Router, a.Bus, sugar)

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(a.Registry, a.Pipeline, a.Router); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	httpMetrics, err := metrics.NewHTTPMetrics(a.Registry)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	a.server = &http.Server{
		Addr: cfg.Addr,
		Handler: handler.NewRouter(handler.Dependencies{
			Store:       pinger,
			Health:      a.Health,
			Metrics:     a.Pipeline,
			Shards:      a.Router,
			Cache:       cacheView,
			Requests:    a.Pipeline,
			HTTPMetrics: httpMetrics,
			Gatherer:    a.Registry,
		}, sugar),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// Start инициализирует маршрутизатор, запускает фоновые циклы и статусный API.
func (a *App) Start(ctx context.Context) error {
	if err := a.Router.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize shard router: %w", err)
	}

	// наблюдатель кэша запускается конвейером и должен снять первый срез до проверок здоровья
	a.Pipeline.Start()
	a.Health.Start()

	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr, err)
	}
	a.listener = ln

	go func() {
		a.logger.Infow("Status API started", "address", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
		close(a.serverErr)
	}()

	if a.cfg.Debug {
		go func() {
			a.logger.Infow("pprof server started", "address", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				a.logger.Errorw("pprof server error", "error", err)
			}
		}()
	}

	return nil
}

// Addr возвращает фактический адрес статусного API после Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return a.cfg.Addr
	}
	return a.listener.Addr().String()
}

// Err возвращает канал ошибок статусного API. Канал закрывается после остановки сервера.
func (a *App) Err() <-chan error {
	return a.serverErr
}

// Shutdown останавливает компоненты в обратном порядке и закрывает соединения.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	if a.listener != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown status API: %w", err))
		}
	}

	a.Pipeline.Stop()
	a.Health.Stop()

	if err := a.Router.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("cleanup shard router: %w", err))
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache client: %w", err))
		}
	}

	if a.storeDB != nil {
		a.logger.Infow("Closing database connection")
		if err := a.storeDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	for _, remove := range a.removers {
		remove()
	}

	return errors.Join(errs...)
}

// Serve запускает приложение с конфигурацией cfg и блокируется до сигнала завершения
// или ошибки статусного API.
func Serve(cfg config.Config) error {
	sugar, err := logger.NewLogger(cfg.Debug, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = sugar.Sync() }()

	sugar.Infow("Starting shard monitor",
		"address", cfg.Addr,
		"strategy", cfg.Sharding.Strategy,
		"shards", len(cfg.Sharding.Shards),
		"cache", cfg.Cache.Addr,
		"configFile", cfg.ConfigFilePath,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	app, err := New(startCtx, cfg, sugar)
	if err != nil {
		return err
	}
	if err := app.Start(startCtx); err != nil {
		return errors.Join(err, app.Shutdown(startCtx))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case err := <-app.Err():
		if err != nil {
			sugar.Errorw("Status API error", "error", err)
			serveErr = fmt.Errorf("status API: %w", err)
		}
	case <-quit:
		sugar.Infow("Shutting down shard monitor")
	}

	ctx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := app.Shutdown(ctx); err != nil {
		sugar.Errorw("Shutdown error", "error", err)
		return errors.Join(serveErr, err)
	}

	sugar.Infow("Shard monitor stopped gracefully")
	return serveErr
}
