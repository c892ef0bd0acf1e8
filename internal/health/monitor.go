// Package health реализует монитор зависимостей: периодические проверки реляционного
// хранилища, кэша и маршрутизатора шардов, классификацию healthy/degraded/unhealthy
// и счётчик отказов с событием открытия цепи.
package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/levinOo/go-shard-monitor/internal/cache"
	"github.com/levinOo/go-shard-monitor/internal/events"
	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Имена проверяемых зависимостей.
const (
	ServiceDatabase = "database"
	ServiceCache    = "cache"
	ServiceShards   = "shards"
)

const degradedFraction = 0.8

// StoreProbe проверяет реляционное хранилище.
type StoreProbe interface {
	Ping(ctx context.Context) error
	ActiveConnections(ctx context.Context) (int, error)
}

// CacheProbe проверяет кэш через наблюдателя.
type CacheProbe interface {
	Ping(ctx context.Context) error
	Latest() (models.CacheSnapshot, bool)
}

// ShardProbe проверяет шарды.
type ShardProbe interface {
	HealthCheck(ctx context.Context) (map[int]bool, error)
}

// Config задаёт параметры монитора.
type Config struct {
	Interval       time.Duration
	RetryCount     int
	RetryDelay     time.Duration
	MaxConnections int
}

// Monitor периодически проверяет зависимости и публикует результаты.
// Nil-зонд означает, что зависимость не проверяется.
type Monitor struct {
	cfg     Config
	store   StoreProbe
	cache   CacheProbe
	shards  ShardProbe
	pub     events.Publisher
	breaker *Breaker
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu     sync.RWMutex
	latest []models.HealthResult

	loopMu sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewMonitor создаёт монитор зависимостей.
func NewMonitor(cfg Config, store StoreProbe, cacheProbe CacheProbe, shards ShardProbe, pub events.Publisher, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		store:   store,
		cache:   cacheProbe,
		shards:  shards,
		pub:     pub,
		breaker: NewBreaker(cfg.RetryCount, cfg.RetryDelay),
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Monitor) setClock(now func() time.Time) {
	m.now = now
	m.breaker.now = now
}

// Start запускает периодические проверки. Повторный запуск ничего не делает.
func (m *Monitor) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(m.stopCh, m.done)
}

func (m *Monitor) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Infow("Health monitor started", "interval", m.cfg.Interval)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
			m.Check(ctx)
			cancel()
		case <-stopCh:
			m.logger.Infow("Health monitor stopped")
			return
		}
	}
}

// Stop останавливает проверки. Безопасен при повторном вызове.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.done
	m.stopCh = nil
	m.done = nil
}

// Check выполняет один цикл проверок, публикует пакет результатов и,
// при наличии недоступных зависимостей, отдельное событие unhealthy.
func (m *Monitor) Check(ctx context.Context) []models.HealthResult {
	type probe struct {
		service string
		run     func(ctx context.Context) (models.HealthStatus, map[string]any, error)
	}

	var probes []probe
	if m.store != nil {
		probes = append(probes, probe{ServiceDatabase, m.checkStore})
	}
	if m.cache != nil {
		probes = append(probes, probe{ServiceCache, m.checkCache})
	}
	if m.shards != nil {
		probes = append(probes, probe{ServiceShards, m.checkShards})
	}

	results := make([]models.HealthResult, len(probes))

	// ошибки проверок не прерывают группу, каждая зависимость классифицируется отдельно
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			start := m.now()
			status, details, err := p.run(ctx)
			res := models.HealthResult{
				Service:      p.service,
				Status:       status,
				ResponseTime: m.now().Sub(start),
				Details:      details,
				Timestamp:    m.now(),
			}
			if err != nil {
				res.Status = models.StatusUnhealthy
				res.Error = err.Error()
				m.recordFailure(p.service, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.latest = results
	m.mu.Unlock()

	m.pub.Publish(events.KindHealthCheck, results)

	var unhealthy []models.HealthResult
	for _, r := range results {
		if r.Status == models.StatusUnhealthy {
			unhealthy = append(unhealthy, r)
		}
	}
	if len(unhealthy) > 0 {
		m.pub.Publish(events.KindUnhealthy, unhealthy)
	}

	return results
}

func (m *Monitor) recordFailure(service string, err error) {
	state, opened := m.breaker.RecordFailure(service)
	m.logger.Warnw("Dependency check failed", "service", service, "failures", state.Failures, "error", err)

	if opened {
		m.logger.Errorw("Circuit opened", "service", service, "failures", state.Failures)
		m.pub.Publish(events.KindCircuitOpen, state)
	}
}

func (m *Monitor) checkStore(ctx context.Context) (models.HealthStatus, map[string]any, error) {
	if err := m.store.Ping(ctx); err != nil {
		return models.StatusUnhealthy, nil, fmt.Errorf("ping database: %w", err)
	}

	active, err := m.store.ActiveConnections(ctx)
	if err != nil {
		return models.StatusUnhealthy, nil, fmt.Errorf("count active connections: %w", err)
	}

	details := map[string]any{
		"activeConnections": active,
		"maxConnections":    m.cfg.MaxConnections,
	}
	if m.cfg.MaxConnections > 0 && float64(active) > degradedFraction*float64(m.cfg.MaxConnections) {
		return models.StatusDegraded, details, nil
	}
	return models.StatusHealthy, details, nil
}

func (m *Monitor) checkCache(ctx context.Context) (models.HealthStatus, map[string]any, error) {
	if err := m.cache.Ping(ctx); err != nil {
		return models.StatusUnhealthy, nil, fmt.Errorf("ping cache: %w", err)
	}

	snap, ok := m.cache.Latest()
	if !ok {
		return models.StatusUnhealthy, nil, cache.ErrNoSnapshot
	}

	usage := snap.MemoryUsage()
	details := map[string]any{
		"memoryUsage": usage,
		"hitRate":     snap.HitRate,
	}
	if usage > degradedFraction {
		return models.StatusDegraded, details, nil
	}
	return models.StatusHealthy, details, nil
}

func (m *Monitor) checkShards(ctx context.Context) (models.HealthStatus, map[string]any, error) {
	alive, err := m.shards.HealthCheck(ctx)
	if err != nil {
		return models.StatusUnhealthy, nil, fmt.Errorf("check shards: %w", err)
	}

	var failed []int
	for id, ok := range alive {
		if !ok {
			failed = append(failed, id)
		}
	}
	slices.Sort(failed)
	details := map[string]any{
		"total":  len(alive),
		"failed": failed,
	}

	switch {
	case len(failed) == 0:
		return models.StatusHealthy, details, nil
	case len(failed)*2 > len(alive):
		return models.StatusUnhealthy, details, nil
	default:
		return models.StatusDegraded, details, nil
	}
}

// Latest возвращает результаты последнего цикла проверок.
func (m *Monitor) Latest() []models.HealthResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.HealthResult(nil), m.latest...)
}

// Circuit возвращает состояние счётчика отказов service и признак открытой цепи.
func (m *Monitor) Circuit(service string) (models.CircuitBreakerState, bool) {
	state, _ := m.breaker.State(service)
	return state, m.breaker.IsOpen(service)
}

// IsHealthy сообщает, что в последнем цикле не было недоступных зависимостей.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.latest {
		if r.Status == models.StatusUnhealthy {
			return false
		}
	}
	return true
}
