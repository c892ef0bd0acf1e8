// Package cache реализует наблюдатель за кэшем ключ-значение: периодический опрос
// состояния, расчёт доли попаданий и заполнения памяти, ограниченную историю срезов.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

const (
	// DefaultMaxHistory задаёт число хранимых срезов по умолчанию.
	DefaultMaxHistory = 100

	memoryWarnThreshold  = 0.8
	hitRateWarnThreshold = 0.7
)

var (
	ErrNotEnoughSamples = errors.New("at least two cache snapshots are required")
	ErrNoSnapshot       = errors.New("no cache snapshot collected yet")
)

// Направление изменения занятой памяти.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Trend описывает изменение занятой памяти между двумя последними срезами.
type Trend struct {
	Direction string  `json:"direction"`
	Change    float64 `json:"change_percent"`
}

// Observer периодически опрашивает кэш и хранит ограниченную историю срезов.
// Безопасен для конкурентного использования.
type Observer struct {
	prober     Prober
	logger     *zap.SugaredLogger
	maxHistory int
	now        func() time.Time

	mu      sync.RWMutex
	history []models.CacheSnapshot

	loopMu sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewObserver создаёт наблюдателя. maxHistory <= 0 означает DefaultMaxHistory.
func NewObserver(prober Prober, logger *zap.SugaredLogger, maxHistory int) *Observer {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Observer{
		prober:     prober,
		logger:     logger,
		maxHistory: maxHistory,
		now:        time.Now,
	}
}

// Start снимает первый срез и запускает периодический опрос. Повторный запуск без Stop
// ничего не делает.
func (o *Observer) Start(interval time.Duration) {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.stopCh != nil {
		o.logger.Warnw("Cache observer already running")
		return
	}

	o.stopCh = make(chan struct{})
	o.done = make(chan struct{})

	go func(stopCh <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.logger.Infow("Cache observer started", "interval", interval)

		// первый срез снимается сразу, чтобы проверки здоровья не видели пустую историю
		o.collectOnce(interval)

		for {
			select {
			case <-ticker.C:
				o.collectOnce(interval)
			case <-stopCh:
				o.logger.Debugw("Stopping cache observer")
				return
			}
		}
	}(o.stopCh, o.done)
}

func (o *Observer) collectOnce(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := o.Collect(ctx); err != nil {
		o.logger.Errorw("Cache probe failed", "error", err)
	}
}

// Stop останавливает опрос и ждёт завершения фоновой горутины.
func (o *Observer) Stop() {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()

	if o.stopCh == nil {
		return
	}
	close(o.stopCh)
	<-o.done
	o.stopCh = nil
	o.done = nil
}

// Collect выполняет один опрос кэша и добавляет срез в историю.
// Если кэш не отвечает на ping, в историю добавляется срез с Connected=false.
func (o *Observer) Collect(ctx context.Context) (models.CacheSnapshot, error) {
	snap := models.CacheSnapshot{Timestamp: o.now()}

	if err := o.prober.Ping(ctx); err != nil {
		o.logger.Warnw("Cache is not connected", "error", err)
		o.append(snap)
		return snap, fmt.Errorf("ping cache: %w", err)
	}
	snap.Connected = true

	report, err := o.prober.StatusReport(ctx)
	if err != nil {
		return models.CacheSnapshot{}, fmt.Errorf("cache status report: %w", err)
	}

	st := ParseStatus(report)
	snap.UsedMemory = st.UsedMemory
	snap.TotalMemory = st.TotalMemory()
	snap.Hits = st.Hits
	snap.Misses = st.Misses
	snap.HitRate = HitRate(st.Hits, st.Misses)
	snap.EvictedKeys = st.EvictedKeys
	snap.EvictionPolicy = st.EvictionPolicy

	o.append(snap)

	if usage := snap.MemoryUsage(); usage > memoryWarnThreshold {
		o.logger.Warnw("Cache memory usage is high", "usage", usage, "used", snap.UsedMemory, "total", snap.TotalMemory)
	}
	if snap.Hits+snap.Misses > 0 && snap.HitRate < hitRateWarnThreshold {
		o.logger.Warnw("Cache hit rate is low", "hitRate", snap.HitRate)
	}

	return snap, nil
}

func (o *Observer) append(snap models.CacheSnapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.history = append(o.history, snap)
	if over := len(o.history) - o.maxHistory; over > 0 {
		o.history = append([]models.CacheSnapshot(nil), o.history[over:]...)
	}
}

// Latest возвращает последний срез.
func (o *Observer) Latest() (models.CacheSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.history) == 0 {
		return models.CacheSnapshot{}, false
	}
	return o.history[len(o.history)-1], true
}

// History возвращает копию истории срезов в порядке добавления.
func (o *Observer) History() []models.CacheSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return append([]models.CacheSnapshot(nil), o.history...)
}

// AverageHitRate возвращает среднюю долю попаданий по истории.
func (o *Observer) AverageHitRate() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.history) == 0 {
		return 0
	}
	var sum float64
	for _, s := range o.history {
		sum += s.HitRate
	}
	return sum / float64(len(o.history))
}

// MemoryTrend сравнивает занятую память в двух последних срезах.
func (o *Observer) MemoryTrend() (Trend, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.history)
	if n < 2 {
		return Trend{}, ErrNotEnoughSamples
	}

	prev, last := o.history[n-2].UsedMemory, o.history[n-1].UsedMemory

	var change float64
	if prev > 0 {
		change = float64(last-prev) / float64(prev) * 100
	}

	switch {
	case last > prev:
		return Trend{Direction: TrendIncreasing, Change: change}, nil
	case last < prev:
		return Trend{Direction: TrendDecreasing, Change: change}, nil
	default:
		return Trend{Direction: TrendStable}, nil
	}
}

// Ping проверяет живость кэша.
func (o *Observer) Ping(ctx context.Context) error {
	return o.prober.Ping(ctx)
}

// SetWithExpiry сохраняет значение в кэше с ограниченным временем жизни.
func (o *Observer) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return o.prober.SetWithExpiry(ctx, key, value, ttl)
}
