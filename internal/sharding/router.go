// Package sharding реализует маршрутизатор горизонтальных разделов (шардов) реляционного
// хранилища: выбор шарда по ключу, выполнение запросов и транзакций в пуле шарда,
// проверку живости шардов и фоновый цикл контроля нагрузки.
package sharding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/levinOo/go-shard-monitor/internal/models"
	"github.com/levinOo/go-shard-monitor/internal/repository"
)

var (
	ErrNotInitialized = errors.New("shard router is not initialized")
	ErrPoolNotFound   = errors.New("shard pool not found")
)

// Opener открывает ограниченный пул соединений к шарду и проверяет связь.
type Opener func(ctx context.Context, shard models.ShardDescriptor) (*sql.DB, error)

// QueryTracker получает сведения о каждом выполненном запросе.
type QueryTracker interface {
	TrackQuery(query string, params []any, start time.Time)
}

// QueryTrackerFunc позволяет использовать функцию как QueryTracker.
type QueryTrackerFunc func(query string, params []any, start time.Time)

func (f QueryTrackerFunc) TrackQuery(query string, params []any, start time.Time) {
	f(query, params, start)
}

// Option настраивает Router.
type Option func(*Router)

// WithRebalancer задаёт исполнителя рекомендаций цикла контроля нагрузки.
func WithRebalancer(rb Rebalancer) Option {
	return func(r *Router) { r.rebalancer = rb }
}

// WithQueryTracker задаёт получателя сведений о запросах.
func WithQueryTracker(t QueryTracker) Option {
	return func(r *Router) { r.tracker = t }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// Router владеет пулом соединений каждого шарда и направляет в него операции.
// Безопасен для конкурентного использования.
type Router struct {
	cfg        Config
	open       Opener
	rebalancer Rebalancer
	tracker    QueryTracker
	logger     *zap.SugaredLogger
	now        func() time.Time

	mu          sync.RWMutex
	initialized bool
	pools       map[int]*sql.DB
	metrics     map[int]models.ShardMetrics
	lastQueries map[int]int64

	loopMu sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewRouter создаёт маршрутизатор. Пулы открываются только в Initialize.
func NewRouter(cfg Config, open Opener, logger *zap.SugaredLogger, opts ...Option) *Router {
	r := &Router{
		cfg:    cfg,
		open:   open,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rebalancer == nil {
		r.rebalancer = NewNoopRebalancer(logger)
	}
	return r
}

// Initialize открывает пул каждого шарда, проверяет связь и регистрирует нулевые метрики.
// При недоступности любого шарда уже открытые пулы закрываются и возвращается ошибка.
// Повторный вызов без Cleanup ничего не делает.
func (r *Router) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Warnw("Shard router already initialized")
		return nil
	}

	if err := r.cfg.Validate(); err != nil {
		return err
	}

	pools := make([]*sql.DB, len(r.cfg.Shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range r.cfg.Shards {
		g.Go(func() error {
			conn, err := r.open(gctx, shard)
			if err != nil {
				return fmt.Errorf("initialize shard %d: %w", shard.ID, err)
			}
			pools[i] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range pools {
			if conn != nil {
				conn.Close()
			}
		}
		return err
	}

	r.pools = make(map[int]*sql.DB, len(pools))
	r.metrics = make(map[int]models.ShardMetrics, len(pools))
	r.lastQueries = make(map[int]int64, len(pools))
	now := r.now()
	for i, shard := range r.cfg.Shards {
		r.pools[shard.ID] = pools[i]
		r.metrics[shard.ID] = models.ShardMetrics{ShardID: shard.ID, CollectedAt: now}
		r.logger.Infow("Shard initialized", "shard", shard.ID, "host", shard.Host, "region", shard.Region)
	}
	r.initialized = true

	if r.cfg.Strategy == StrategyDynamic {
		r.startMonitoring()
	}

	r.logger.Infow("Shard router initialized", "strategy", r.cfg.Strategy, "shards", len(pools))
	return nil
}

// ResolveShard возвращает идентификатор шарда, владеющего ключом.
func (r *Router) ResolveShard(key Key) (int, error) {
	return r.cfg.Resolve(key)
}

// pool разрешает ключ и возвращает пул соответствующего шарда.
func (r *Router) pool(key Key) (int, *sql.DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.initialized {
		return 0, nil, ErrNotInitialized
	}

	id, err := r.cfg.Resolve(key)
	if err != nil {
		return 0, nil, err
	}

	conn, ok := r.pools[id]
	if !ok {
		return id, nil, fmt.Errorf("%w: shard %d", ErrPoolNotFound, id)
	}
	return id, conn, nil
}

// Execute выполняет запрос в шарде, владеющем ключом, и возвращает строки результата.
// Ошибки получения соединения и выполнения запроса возвращаются вызывающему.
func (r *Router) Execute(ctx context.Context, key Key, query string, args ...any) ([]map[string]any, error) {
	id, conn, err := r.pool(key)
	if err != nil {
		return nil, err
	}

	start := r.now()
	rows, err := conn.QueryContext(ctx, query, args...)
	if r.tracker != nil {
		defer r.tracker.TrackQuery(query, args, start)
	}
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}

	result, err := repository.ScanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}
	return result, nil
}

// RunInTransaction выполняет fn в транзакции шарда, владеющего ключом. При ошибке fn
// транзакция откатывается и ошибка fn возвращается; иначе транзакция фиксируется.
func (r *Router) RunInTransaction(ctx context.Context, key Key, fn func(tx *sql.Tx) error) error {
	_, err := InTransaction(ctx, r, key, func(tx *sql.Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// InTransaction вариант RunInTransaction, возвращающий значение из тела транзакции.
func InTransaction[T any](ctx context.Context, r *Router, key Key, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T

	id, conn, err := r.pool(key)
	if err != nil {
		return zero, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("shard %d: begin transaction: %w", id, err)
	}

	result, err := fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return zero, errors.Join(err, fmt.Errorf("shard %d: rollback: %w", id, rbErr))
		}
		return zero, err
	}

	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("shard %d: commit: %w", id, err)
	}
	return result, nil
}

// HealthCheck независимо проверяет связь с каждым шардом. Отказ одного шарда
// не влияет на результат остальных.
func (r *Router) HealthCheck(ctx context.Context) (map[int]bool, error) {
	r.mu.RLock()
	if !r.initialized {
		r.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	pools := make(map[int]*sql.DB, len(r.pools))
	for id, conn := range r.pools {
		pools[id] = conn
	}
	r.mu.RUnlock()

	var mu sync.Mutex
	result := make(map[int]bool, len(pools))

	var g errgroup.Group
	for id, conn := range pools {
		g.Go(func() error {
			err := conn.PingContext(ctx)
			if err != nil {
				r.logger.Warnw("Shard health check failed", "shard", id, "error", err)
			}
			mu.Lock()
			result[id] = err == nil
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// Metrics возвращает копию последних собранных метрик по шардам.
func (r *Router) Metrics() map[int]models.ShardMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]models.ShardMetrics, len(r.metrics))
	for id, m := range r.metrics {
		out[id] = m
	}
	return out
}

// PoolStats возвращает состояние пулов соединений по шардам.
func (r *Router) PoolStats() map[int]repository.PoolStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]repository.PoolStats, len(r.pools))
	for id, conn := range r.pools {
		out[id] = repository.StatsOf(conn)
	}
	return out
}

// Cleanup останавливает цикл контроля, закрывает все пулы и сбрасывает состояние,
// после чего Initialize можно вызвать снова. Выполняющиеся запросы не прерываются
// принудительно. Повторный вызов ничего не делает.
func (r *Router) Cleanup() error {
	r.stopMonitoring()

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil
	}

	var errs []error
	for id, conn := range r.pools {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %d: %w", id, err))
		}
	}

	r.pools = nil
	r.metrics = nil
	r.lastQueries = nil
	r.initialized = false

	r.logger.Infow("Shard router cleaned up")
	return errors.Join(errs...)
}
