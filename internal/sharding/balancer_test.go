package sharding

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	liveTuplesPattern   = `SELECT COALESCE\(SUM\(n_live_tup\), 0\) FROM pg_stat_user_tables`
	transactionsPattern = `SELECT xact_commit \+ xact_rollback FROM pg_stat_database`
)

type fakeRebalancer struct {
	mu      sync.Mutex
	plans   []RebalancePlan
	actions []ScaleAction
	applied bool
}

func (f *fakeRebalancer) Rebalance(_ context.Context, plan RebalancePlan) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans = append(f.plans, plan)
	return f.applied, nil
}

func (f *fakeRebalancer) Scale(_ context.Context, action ScaleAction, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func TestLoadFraction(t *testing.T) {
	cfg := DynamicConfig{MaxShardSize: 1000, MaxQueriesPerInterval: 100}

	assert.InDelta(t, 0.5, loadFraction(500, 10, cfg), 1e-9)
	assert.InDelta(t, 0.9, loadFraction(100, 90, cfg), 1e-9)
	assert.InDelta(t, 2.0, loadFraction(2000, 0, cfg), 1e-9)
	assert.Zero(t, loadFraction(10, 10, DynamicConfig{}))
}

func TestEvaluateBalance(t *testing.T) {
	cfg := DynamicConfig{RebalanceThreshold: 0.2, MinShardSize: 100}
	loads := map[int]float64{0: 0.9, 1: 0.5, 2: 0.5, 3: 0.1}
	rows := map[int]int64{0: 1000, 1: 500, 2: 500, 3: 50}

	plan := evaluateBalance(loads, rows, cfg)

	assert.InDelta(t, 0.5, plan.MeanLoad, 1e-9)
	assert.Equal(t, []int{0}, plan.Overloaded)
	assert.Equal(t, []int{3}, plan.Underloaded)
	assert.Equal(t, []int{3}, plan.Undersized)
	assert.True(t, plan.NeedsRebalance())
}

func TestEvaluateBalanceOnlyOverloaded(t *testing.T) {
	plan := evaluateBalance(map[int]float64{0: 0.6, 1: 0.4, 2: 0.5}, nil, DynamicConfig{RebalanceThreshold: 0.1})

	assert.Equal(t, []int{0}, plan.Overloaded)
	assert.Equal(t, []int{1}, plan.Underloaded)

	plan = evaluateBalance(map[int]float64{0: 0.5, 1: 0.5}, nil, DynamicConfig{RebalanceThreshold: 0.1})
	assert.False(t, plan.NeedsRebalance())

	assert.False(t, evaluateBalance(nil, nil, DynamicConfig{}).NeedsRebalance())
}

func TestDecideScaling(t *testing.T) {
	cfg := DynamicConfig{LoadThreshold: 0.8, MinShards: 2, MaxShards: 4}

	tests := []struct {
		name  string
		mean  float64
		count int
		want  ScaleAction
	}{
		{name: "high load below max", mean: 0.9, count: 3, want: ScaleUp},
		{name: "high load at max", mean: 0.9, count: 4, want: ScaleNone},
		{name: "low load above min", mean: 0.3, count: 3, want: ScaleDown},
		{name: "low load at min", mean: 0.3, count: 2, want: ScaleNone},
		{name: "normal load", mean: 0.6, count: 3, want: ScaleNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideScaling(tt.mean, tt.count, cfg))
		})
	}
}

func dynamicConfig() Config {
	dyn := DefaultDynamicConfig()
	dyn.MaxShardSize = 1000
	dyn.MaxQueriesPerInterval = 100
	// интервалы больше длительности теста, циклом управляет сам тест
	dyn.PollInterval = time.Hour
	dyn.ScaleInterval = time.Hour
	return Config{Strategy: StrategyDynamic, Shards: shards(0, 1), Dynamic: dyn}
}

func expectLoad(mock sqlmock.Sqlmock, rows, queries int64) {
	mock.ExpectQuery(liveTuplesPattern).WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(rows))
	mock.ExpectQuery(transactionsPattern).WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(queries))
}

// TestCollectComputesLoadFromDeltas проверяет расчёт нагрузки по приросту числа запросов
func TestCollectComputesLoadFromDeltas(t *testing.T) {
	r, ms := newTestRouter(t, dynamicConfig())
	defer r.stopMonitoring()

	expectLoad(ms.mock(0), 200, 1000)
	expectLoad(ms.mock(1), 100, 500)
	r.collect(context.Background())

	m := r.Metrics()
	assert.InDelta(t, 0.2, m[0].Load, 1e-9)
	assert.Zero(t, m[0].QueryCount)

	expectLoad(ms.mock(0), 200, 1090)
	expectLoad(ms.mock(1), 100, 510)
	r.collect(context.Background())

	m = r.Metrics()
	assert.Equal(t, int64(90), m[0].QueryCount)
	assert.InDelta(t, 0.9, m[0].Load, 1e-9)
	assert.Equal(t, int64(10), m[1].QueryCount)
	assert.InDelta(t, 0.1, m[1].Load, 1e-9)
}

func TestCollectSkipsFailingShard(t *testing.T) {
	r, ms := newTestRouter(t, dynamicConfig())
	defer r.stopMonitoring()

	ms.mock(0).ExpectQuery(regexp.QuoteMeta("SELECT COALESCE")).WillReturnError(errors.New("timeout"))
	expectLoad(ms.mock(1), 500, 0)
	r.collect(context.Background())

	m := r.Metrics()
	assert.Zero(t, m[0].Load)
	assert.InDelta(t, 0.5, m[1].Load, 1e-9)
}

func TestCheckBalanceRecordsAppliedRebalance(t *testing.T) {
	rb := &fakeRebalancer{applied: true}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r, ms := newTestRouter(t, dynamicConfig(), WithRebalancer(rb), WithClock(func() time.Time { return now }))
	defer r.stopMonitoring()

	expectLoad(ms.mock(0), 900, 0)
	expectLoad(ms.mock(1), 100, 0)
	r.collect(context.Background())
	r.checkBalance(context.Background())

	require.Len(t, rb.plans, 1)
	assert.Equal(t, []int{0}, rb.plans[0].Overloaded)
	assert.Equal(t, []int{1}, rb.plans[0].Underloaded)

	m := r.Metrics()
	assert.Equal(t, now, m[0].LastRebalance)
	assert.Equal(t, now, m[1].LastRebalance)
}

func TestCheckBalanceNotAppliedKeepsTimestamp(t *testing.T) {
	rb := &fakeRebalancer{}
	r, ms := newTestRouter(t, dynamicConfig(), WithRebalancer(rb))
	defer r.stopMonitoring()

	expectLoad(ms.mock(0), 900, 0)
	expectLoad(ms.mock(1), 100, 0)
	r.collect(context.Background())
	r.checkBalance(context.Background())

	require.Len(t, rb.plans, 1)
	assert.True(t, r.Metrics()[0].LastRebalance.IsZero())
}

func TestCheckScaling(t *testing.T) {
	rb := &fakeRebalancer{}
	r, ms := newTestRouter(t, dynamicConfig(), WithRebalancer(rb))
	defer r.stopMonitoring()

	expectLoad(ms.mock(0), 950, 0)
	expectLoad(ms.mock(1), 900, 0)
	r.collect(context.Background())
	r.checkScaling(context.Background())

	assert.Equal(t, []ScaleAction{ScaleUp}, rb.actions)
}

// TestMonitoringLoopLifecycle проверяет запуск цикла для стратегии dynamic и его остановку в Cleanup
func TestMonitoringLoopLifecycle(t *testing.T) {
	r, ms := newTestRouter(t, dynamicConfig())

	r.loopMu.Lock()
	running := r.stopCh != nil
	r.loopMu.Unlock()
	assert.True(t, running)

	ms.mock(0).ExpectClose()
	ms.mock(1).ExpectClose()
	require.NoError(t, r.Cleanup())

	r.loopMu.Lock()
	running = r.stopCh != nil
	r.loopMu.Unlock()
	assert.False(t, running)
}

func TestMonitoringLoopNotStartedForStaticStrategy(t *testing.T) {
	r, _ := newTestRouter(t, Config{Strategy: StrategyModulo, Shards: shards(0)})

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	assert.Nil(t, r.stopCh)
}

func TestScaleActionString(t *testing.T) {
	assert.Equal(t, "scale-up", ScaleUp.String())
	assert.Equal(t, "scale-down", ScaleDown.String())
	assert.Equal(t, "none", ScaleNone.String())
}
