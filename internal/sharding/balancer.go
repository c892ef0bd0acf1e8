package sharding

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/repository"
)

// ScaleAction определяет рекомендацию по изменению числа шардов.
type ScaleAction int

const (
	ScaleNone ScaleAction = iota
	ScaleUp
	ScaleDown
)

func (a ScaleAction) String() string {
	switch a {
	case ScaleUp:
		return "scale-up"
	case ScaleDown:
		return "scale-down"
	default:
		return "none"
	}
}

// RebalancePlan описывает обнаруженный перекос нагрузки.
type RebalancePlan struct {
	MeanLoad    float64
	Overloaded  []int
	Underloaded []int
	// Undersized содержит шарды, число строк в которых ниже MinShardSize.
	Undersized []int
}

// NeedsRebalance сообщает, есть ли одновременно перегруженные и недогруженные шарды.
func (p RebalancePlan) NeedsRebalance() bool {
	return len(p.Overloaded) > 0 && len(p.Underloaded) > 0
}

// Rebalancer исполняет рекомендации цикла контроля нагрузки.
type Rebalancer interface {
	// Rebalance перераспределяет данные между шардами. Возвращает true, если перенос выполнен.
	Rebalance(ctx context.Context, plan RebalancePlan) (bool, error)
	// Scale изменяет число шардов.
	Scale(ctx context.Context, action ScaleAction, shardCount int) error
}

// NoopRebalancer только логирует рекомендации. Перенос данных между шардами
// и выделение новых шардов не реализованы.
type NoopRebalancer struct {
	logger *zap.SugaredLogger
}

func NewNoopRebalancer(logger *zap.SugaredLogger) *NoopRebalancer {
	return &NoopRebalancer{logger: logger}
}

func (n *NoopRebalancer) Rebalance(_ context.Context, plan RebalancePlan) (bool, error) {
	n.logger.Infow("Rebalance recommended",
		"meanLoad", plan.MeanLoad,
		"overloaded", plan.Overloaded,
		"underloaded", plan.Underloaded,
		"undersized", plan.Undersized,
	)
	return false, nil
}

func (n *NoopRebalancer) Scale(_ context.Context, action ScaleAction, shardCount int) error {
	n.logger.Infow("Scaling recommended", "action", action, "shards", shardCount)
	return nil
}

// evaluateBalance находит шарды, нагрузка которых отклоняется от средней больше чем на threshold.
func evaluateBalance(loads map[int]float64, rows map[int]int64, cfg DynamicConfig) RebalancePlan {
	var plan RebalancePlan
	if len(loads) == 0 {
		return plan
	}

	var total float64
	for _, l := range loads {
		total += l
	}
	plan.MeanLoad = total / float64(len(loads))

	upper := plan.MeanLoad * (1 + cfg.RebalanceThreshold)
	lower := plan.MeanLoad * (1 - cfg.RebalanceThreshold)
	for id, l := range loads {
		switch {
		case l > upper:
			plan.Overloaded = append(plan.Overloaded, id)
		case l < lower:
			plan.Underloaded = append(plan.Underloaded, id)
		}
		if cfg.MinShardSize > 0 && rows[id] < cfg.MinShardSize {
			plan.Undersized = append(plan.Undersized, id)
		}
	}

	sort.Ints(plan.Overloaded)
	sort.Ints(plan.Underloaded)
	sort.Ints(plan.Undersized)
	return plan
}

// decideScaling сравнивает среднюю нагрузку с порогом.
func decideScaling(meanLoad float64, shardCount int, cfg DynamicConfig) ScaleAction {
	switch {
	case meanLoad > cfg.LoadThreshold && shardCount < cfg.MaxShards:
		return ScaleUp
	case meanLoad < cfg.LoadThreshold/2 && shardCount > cfg.MinShards:
		return ScaleDown
	default:
		return ScaleNone
	}
}

// loadFraction вычисляет долю нагрузки шарда.
func loadFraction(rows, queries int64, cfg DynamicConfig) float64 {
	var byRows, byQueries float64
	if cfg.MaxShardSize > 0 {
		byRows = float64(rows) / float64(cfg.MaxShardSize)
	}
	if cfg.MaxQueriesPerInterval > 0 {
		byQueries = float64(queries) / float64(cfg.MaxQueriesPerInterval)
	}
	return max(byRows, byQueries)
}

func (r *Router) startMonitoring() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	go r.monitorLoop(r.stopCh, r.done)
}

func (r *Router) stopMonitoring() {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.done
	r.stopCh = nil
	r.done = nil
}

func (r *Router) monitorLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	pollTicker := time.NewTicker(r.cfg.Dynamic.PollInterval)
	defer pollTicker.Stop()
	scaleTicker := time.NewTicker(r.cfg.Dynamic.ScaleInterval)
	defer scaleTicker.Stop()

	r.logger.Infow("Shard load monitoring started",
		"pollInterval", r.cfg.Dynamic.PollInterval,
		"scaleInterval", r.cfg.Dynamic.ScaleInterval,
	)

	for {
		select {
		case <-pollTicker.C:
			r.collect(ctx)
			r.checkBalance(ctx)
		case <-scaleTicker.C:
			r.checkScaling(ctx)
		case <-stopCh:
			r.logger.Debugw("Stopping shard load monitoring")
			return
		}
	}
}

// collect собирает число строк и запросов по каждому шарду и пересчитывает нагрузку.
// Ошибки отдельных шардов логируются и не прерывают сбор.
func (r *Router) collect(ctx context.Context) {
	r.mu.RLock()
	if !r.initialized {
		r.mu.RUnlock()
		return
	}
	pools := make(map[int]*sql.DB, len(r.pools))
	for id, conn := range r.pools {
		pools[id] = conn
	}
	r.mu.RUnlock()

	type sample struct {
		rows, queries int64
	}
	samples := make(map[int]sample, len(pools))
	for id, conn := range pools {
		rows, queries, err := repository.LoadCounts(ctx, conn)
		if err != nil {
			r.logger.Errorw("Failed to collect shard metrics", "shard", id, "error", err)
			continue
		}
		samples[id] = sample{rows: rows, queries: queries}
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return
	}

	for id, s := range samples {
		var delta int64
		if last, ok := r.lastQueries[id]; ok && s.queries >= last {
			delta = s.queries - last
		}
		r.lastQueries[id] = s.queries

		m := r.metrics[id]
		m.ShardID = id
		m.RowCount = s.rows
		m.QueryCount = delta
		m.Load = loadFraction(s.rows, delta, r.cfg.Dynamic)
		m.CollectedAt = now
		r.metrics[id] = m
	}
}

func (r *Router) currentLoads() (map[int]float64, map[int]int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loads := make(map[int]float64, len(r.metrics))
	rows := make(map[int]int64, len(r.metrics))
	for id, m := range r.metrics {
		loads[id] = m.Load
		rows[id] = m.RowCount
	}
	return loads, rows
}

func (r *Router) checkBalance(ctx context.Context) {
	loads, rows := r.currentLoads()
	plan := evaluateBalance(loads, rows, r.cfg.Dynamic)
	if !plan.NeedsRebalance() {
		return
	}

	applied, err := r.rebalancer.Rebalance(ctx, plan)
	if err != nil {
		r.logger.Errorw("Rebalance failed", "error", err)
		return
	}
	if !applied {
		return
	}

	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ids := range [][]int{plan.Overloaded, plan.Underloaded} {
		for _, id := range ids {
			if m, ok := r.metrics[id]; ok {
				m.LastRebalance = now
				r.metrics[id] = m
			}
		}
	}
}

func (r *Router) checkScaling(ctx context.Context) {
	loads, _ := r.currentLoads()
	if len(loads) == 0 {
		return
	}

	var total float64
	for _, l := range loads {
		total += l
	}
	mean := total / float64(len(loads))

	action := decideScaling(mean, len(loads), r.cfg.Dynamic)
	if action == ScaleNone {
		return
	}

	if err := r.rebalancer.Scale(ctx, action, len(loads)); err != nil {
		r.logger.Errorw("Scaling failed", "action", action, "error", err)
	}
}
