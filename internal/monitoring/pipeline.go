// Package monitoring реализует конвейер метрик и оповещений: периодический сбор снимков
// процесса, пула соединений, кэша и шардов, учёт запросов с перцентилями задержек,
// пороговые правила с подавлением повторов и очистку истории по сроку хранения.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/events"
	"github.com/levinOo/go-shard-monitor/internal/models"
	"github.com/levinOo/go-shard-monitor/internal/pool"
	"github.com/levinOo/go-shard-monitor/internal/repository"
)

// LatestSnapshotKey задаёт ключ кэша, под которым сохраняется последний снимок.
const LatestSnapshotKey = "metrics:latest"

// StoreSource предоставляет статистику реляционного хранилища.
type StoreSource interface {
	PoolStats() repository.PoolStats
	Counters(ctx context.Context) (repository.Counters, error)
}

// CacheSource предоставляет срезы кэша и запись снимка с ограниченным временем жизни.
type CacheSource interface {
	Start(interval time.Duration)
	Stop()
	Latest() (models.CacheSnapshot, bool)
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ShardSource предоставляет последние метрики шардов.
type ShardSource interface {
	Metrics() map[int]models.ShardMetrics
}

// Pipeline собирает снимки метрик, хранит историю и порождает оповещения.
// Nil-источник означает, что соответствующий раздел снимка остаётся пустым.
type Pipeline struct {
	cfg      Config
	sampler  Sampler
	store    StoreSource
	cache    CacheSource
	shards   ShardSource
	pub      events.Publisher
	rules    []Rule
	throttle *Throttle
	buffers  *pool.Pool[*pool.Durations]
	logger   *zap.SugaredLogger
	now      func() time.Time

	activeRequests atomic.Int64

	mu      sync.RWMutex
	history []models.SystemMetricsSnapshot
	queries []models.QueryMetric
	alerts  []models.PerformanceAlert

	loopMu sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewPipeline создаёт конвейер метрик.
func NewPipeline(cfg Config, sampler Sampler, store StoreSource, cacheSrc CacheSource, shards ShardSource, pub events.Publisher, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		sampler:  sampler,
		store:    store,
		cache:    cacheSrc,
		shards:   shards,
		pub:      pub,
		rules:    Rules(cfg.Thresholds),
		throttle: NewThrottle(cfg.ThrottleIntervals),
		buffers:  pool.New(pool.NewDurations),
		logger:   logger,
		now:      time.Now,
	}
}

// Start запускает цикл сбора и наблюдение за кэшем. Повторный запуск ничего не делает.
func (p *Pipeline) Start() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	if p.cache != nil {
		p.cache.Start(p.cfg.CacheInterval)
	}
	go p.loop(p.stopCh, p.done)
}

func (p *Pipeline) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.CollectionInterval)
	defer ticker.Stop()

	p.logger.Infow("Metrics pipeline started", "interval", p.cfg.CollectionInterval, "retention", p.cfg.Retention)

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CollectionInterval)
			p.Collect(ctx)
			cancel()
		case <-stopCh:
			p.logger.Infow("Metrics pipeline stopped")
			return
		}
	}
}

// Stop останавливает цикл сбора и наблюдение за кэшем. Безопасен при повторном вызове.
func (p *Pipeline) Stop() {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()

	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.done
	p.stopCh = nil
	p.done = nil

	if p.cache != nil {
		p.cache.Stop()
	}
}

// RequestStarted увеличивает счётчик обрабатываемых запросов.
func (p *Pipeline) RequestStarted() { p.activeRequests.Add(1) }

// RequestFinished уменьшает счётчик обрабатываемых запросов.
func (p *Pipeline) RequestFinished() { p.activeRequests.Add(-1) }

// TrackQuery учитывает выполненный запрос. Запрос дольше порога медленных запросов
// сразу порождает одно оповещение уровня warning.
func (p *Pipeline) TrackQuery(query string, params []any, start time.Time) {
	now := p.now()
	qm := models.QueryMetric{
		Query:     query,
		Params:    params,
		Duration:  now.Sub(start),
		Timestamp: now,
	}

	p.mu.Lock()
	p.queries = append(p.queries, qm)
	p.mu.Unlock()

	if qm.Duration <= p.cfg.SlowQueryThreshold {
		return
	}

	p.emit(models.PerformanceAlert{
		ID:       "slow_query:" + uuid.NewString(),
		Type:     models.AlertQuery,
		Severity: models.SeverityWarning,
		Message:  fmt.Sprintf("slow query took %s, threshold %s", qm.Duration, p.cfg.SlowQueryThreshold),
		Details: map[string]any{
			"query":     query,
			"duration":  qm.Duration.String(),
			"threshold": p.cfg.SlowQueryThreshold.String(),
		},
		Timestamp:   now,
		LastAlerted: now,
	})
}

// Collect собирает один снимок, сохраняет его в историю и в кэш, публикует,
// проверяет пороги и очищает устаревшие записи. Ошибки источников логируются,
// соответствующие разделы снимка остаются частично заполненными.
func (p *Pipeline) Collect(ctx context.Context) models.SystemMetricsSnapshot {
	snap := models.SystemMetricsSnapshot{Timestamp: p.now()}

	if p.sampler != nil {
		app, err := p.sampler.Sample(ctx)
		if err != nil {
			p.logger.Warnw("Failed to sample process metrics", "error", err)
		}
		snap.Application = app
	}
	snap.Application.ActiveRequests = p.activeRequests.Load()

	snap.Database = p.databaseMetrics(ctx)
	snap.Cache = p.cacheMetrics()
	snap.Shards = p.shardMetrics()

	p.mu.Lock()
	p.history = append(p.history, snap)
	p.mu.Unlock()

	p.persist(ctx, snap)
	p.pub.Publish(events.KindMetricsSnapshot, snap)

	p.evaluate(snap)
	p.prune(snap.Timestamp)

	return snap
}

func (p *Pipeline) databaseMetrics(ctx context.Context) models.DatabaseMetrics {
	var db models.DatabaseMetrics

	if p.store != nil {
		stats := p.store.PoolStats()
		db.ActiveConnections = stats.Active
		db.IdleConnections = stats.Idle
		db.WaitingConnections = stats.Waiting
		db.MaxConnections = stats.Max
		db.ConnectionUtilization = stats.Utilization()

		counters, err := p.store.Counters(ctx)
		if err != nil {
			p.logger.Warnw("Failed to read database counters", "error", err)
		} else {
			db.Commits = counters.Commits
			db.Rollbacks = counters.Rollbacks
			db.Deadlocks = counters.Deadlocks
		}
	}

	buf := p.buffers.Get()
	defer p.buffers.Put(buf)

	var total time.Duration
	p.mu.RLock()
	for _, q := range p.queries {
		buf.Append(q.Duration)
		total += q.Duration
		if q.Duration > p.cfg.SlowQueryThreshold {
			db.SlowQueries++
		}
	}
	p.mu.RUnlock()

	db.TotalQueries = buf.Len()
	if db.TotalQueries > 0 {
		db.AvgQueryDuration = total / time.Duration(db.TotalQueries)
		sorted := buf.Sorted()
		db.P50 = Percentile(sorted, 50)
		db.P90 = Percentile(sorted, 90)
		db.P95 = Percentile(sorted, 95)
		db.P99 = Percentile(sorted, 99)
	}

	return db
}

func (p *Pipeline) cacheMetrics() models.CacheMetrics {
	if p.cache == nil {
		return models.CacheMetrics{}
	}
	snap, ok := p.cache.Latest()
	if !ok {
		return models.CacheMetrics{}
	}
	return models.CacheMetrics{
		Connected:   snap.Connected,
		HitRate:     snap.HitRate,
		MemoryUsage: snap.MemoryUsage(),
		Evictions:   snap.EvictedKeys,
		Operations:  snap.Hits + snap.Misses,
	}
}

func (p *Pipeline) shardMetrics() models.ShardingMetrics {
	if p.shards == nil {
		return models.ShardingMetrics{}
	}
	metrics := p.shards.Metrics()
	out := models.ShardingMetrics{ShardCount: len(metrics)}
	if len(metrics) == 0 {
		return out
	}
	var sum float64
	for _, m := range metrics {
		sum += m.Load
	}
	out.AverageLoad = sum / float64(len(metrics))
	return out
}

func (p *Pipeline) persist(ctx context.Context, snap models.SystemMetricsSnapshot) {
	if p.cache == nil || p.cfg.SnapshotTTL <= 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		p.logger.Errorw("Failed to encode metrics snapshot", "error", err)
		return
	}
	if err := p.cache.SetWithExpiry(ctx, LatestSnapshotKey, data, p.cfg.SnapshotTTL); err != nil {
		p.logger.Warnw("Failed to persist metrics snapshot", "key", LatestSnapshotKey, "error", err)
	}
}

func (p *Pipeline) evaluate(snap models.SystemMetricsSnapshot) {
	for _, rule := range p.rules {
		alert, ok := rule.Check(snap)
		if !ok {
			continue
		}
		if !p.throttle.Allow(alert.ID, alert.Severity, snap.Timestamp) {
			p.logger.Debugw("Alert throttled", "id", alert.ID)
			continue
		}
		alert.LastAlerted = snap.Timestamp
		p.emit(alert)
	}
}

func (p *Pipeline) emit(alert models.PerformanceAlert) {
	p.mu.Lock()
	p.alerts = append(p.alerts, alert)
	p.mu.Unlock()

	p.logger.Warnw("Performance alert", "id", alert.ID, "type", alert.Type, "severity", alert.Severity, "message", alert.Message)
	p.pub.Publish(events.KindAlert, alert)
}

// prune удаляет снимки, запросы и оповещения старше срока хранения.
func (p *Pipeline) prune(now time.Time) {
	cutoff := now.Add(-p.cfg.Retention)

	p.mu.Lock()
	p.history = keepSince(p.history, cutoff, func(s models.SystemMetricsSnapshot) time.Time { return s.Timestamp })
	p.queries = keepSince(p.queries, cutoff, func(q models.QueryMetric) time.Time { return q.Timestamp })
	p.alerts = keepSince(p.alerts, cutoff, func(a models.PerformanceAlert) time.Time { return a.Timestamp })
	p.mu.Unlock()

	p.throttle.Prune(now)
}

// keepSince возвращает новый срез с элементами не старше cutoff, сохраняя порядок.
func keepSince[T any](items []T, cutoff time.Time, ts func(T) time.Time) []T {
	kept := make([]T, 0, len(items))
	for _, it := range items {
		if !ts(it).Before(cutoff) {
			kept = append(kept, it)
		}
	}
	return kept
}

// History возвращает копию всей истории снимков.
func (p *Pipeline) History() []models.SystemMetricsSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]models.SystemMetricsSnapshot(nil), p.history...)
}

// HistoryRange возвращает снимки с from <= Timestamp <= to.
func (p *Pipeline) HistoryRange(from, to time.Time) []models.SystemMetricsSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.SystemMetricsSnapshot
	for _, s := range p.history {
		if !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out
}

// Latest возвращает последний снимок.
func (p *Pipeline) Latest() (models.SystemMetricsSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.history) == 0 {
		return models.SystemMetricsSnapshot{}, false
	}
	return p.history[len(p.history)-1], true
}

// Queries возвращает копию учтённых запросов.
func (p *Pipeline) Queries() []models.QueryMetric {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]models.QueryMetric(nil), p.queries...)
}

// Alerts возвращает копию текущего набора оповещений.
func (p *Pipeline) Alerts() []models.PerformanceAlert {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return append([]models.PerformanceAlert(nil), p.alerts...)
}
