package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/levinOo/go-shard-monitor/internal/events"
	"github.com/levinOo/go-shard-monitor/internal/models"
	"github.com/levinOo/go-shard-monitor/internal/repository"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSampler struct {
	m   models.ApplicationMetrics
	err error
}

func (s fakeSampler) Sample(context.Context) (models.ApplicationMetrics, error) { return s.m, s.err }

type fakeStore struct {
	stats    repository.PoolStats
	counters repository.Counters
	err      error
}

func (s fakeStore) PoolStats() repository.PoolStats { return s.stats }

func (s fakeStore) Counters(context.Context) (repository.Counters, error) { return s.counters, s.err }

type fakeCache struct {
	mu      sync.Mutex
	snap    *models.CacheSnapshot
	stored  map[string][]byte
	ttl     time.Duration
	started int
	stopped int
}

func (c *fakeCache) Start(time.Duration) { c.mu.Lock(); c.started++; c.mu.Unlock() }
func (c *fakeCache) Stop()               { c.mu.Lock(); c.stopped++; c.mu.Unlock() }

func (c *fakeCache) Latest() (models.CacheSnapshot, bool) {
	if c.snap == nil {
		return models.CacheSnapshot{}, false
	}
	return *c.snap, true
}

func (c *fakeCache) SetWithExpiry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stored == nil {
		c.stored = make(map[string][]byte)
	}
	c.stored[key] = value
	c.ttl = ttl
	return nil
}

type fakeShards map[int]models.ShardMetrics

func (f fakeShards) Metrics() map[int]models.ShardMetrics { return f }

type alertRecorder struct {
	mu     sync.Mutex
	alerts []models.PerformanceAlert
	snaps  int
}

func (r *alertRecorder) Update(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Kind {
	case events.KindAlert:
		r.alerts = append(r.alerts, e.Payload.(models.PerformanceAlert))
	case events.KindMetricsSnapshot:
		r.snaps++
	}
}

func (r *alertRecorder) snapshots() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps
}

func newTestPipeline(sampler Sampler, store StoreSource, c CacheSource, shards ShardSource) (*Pipeline, *alertRecorder, *fakeClock) {
	bus := events.NewBus()
	rec := &alertRecorder{}
	bus.RegisterClient(rec)

	cfg := DefaultConfig()
	cfg.CollectionInterval = 10 * time.Millisecond
	cfg.CacheInterval = 10 * time.Millisecond
	cfg.Retention = time.Hour
	cfg.SlowQueryThreshold = 100 * time.Millisecond

	clock := &fakeClock{t: baseTime}
	p := NewPipeline(cfg, sampler, store, c, shards, bus, zap.NewNop().Sugar())
	p.now = clock.now
	return p, rec, clock
}

func calmSampler() fakeSampler {
	return fakeSampler{m: models.ApplicationMetrics{HeapAlloc: 10, HeapSys: 100, CPUPercent: 5}}
}

func TestPercentile(t *testing.T) {
	ms := func(v ...int) []time.Duration {
		out := make([]time.Duration, len(v))
		for i, x := range v {
			out[i] = time.Duration(x) * time.Millisecond
		}
		return out
	}

	sorted := ms(10, 20, 30, 40, 50)
	assert.Equal(t, 30*time.Millisecond, Percentile(sorted, 50))
	assert.Equal(t, 50*time.Millisecond, Percentile(sorted, 90))
	assert.Equal(t, 50*time.Millisecond, Percentile(sorted, 99))
	assert.Equal(t, 50*time.Millisecond, Percentile(sorted, 100))
	assert.Equal(t, 10*time.Millisecond, Percentile(sorted, 0))
	assert.Zero(t, Percentile(nil, 50))
}

func TestThrottle(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{name: "critical one minute apart", gap: time.Minute, want: 1},
		{name: "critical six minutes apart", gap: 6 * time.Minute, want: 2},
		{name: "critical exactly at interval", gap: 5 * time.Minute, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThrottle(nil)
			emitted := 0
			if th.Allow("cpu_percent:critical", models.SeverityCritical, baseTime) {
				emitted++
			}
			if th.Allow("cpu_percent:critical", models.SeverityCritical, baseTime.Add(tt.gap)) {
				emitted++
			}
			assert.Equal(t, tt.want, emitted)
		})
	}
}

func TestThrottleIntervalsBySeverity(t *testing.T) {
	th := NewThrottle(nil)

	require.True(t, th.Allow("a", models.SeverityWarning, baseTime))
	assert.False(t, th.Allow("a", models.SeverityWarning, baseTime.Add(29*time.Minute)))
	assert.True(t, th.Allow("a", models.SeverityWarning, baseTime.Add(31*time.Minute)))

	require.True(t, th.Allow("b", models.SeverityInfo, baseTime))
	assert.False(t, th.Allow("b", models.SeverityInfo, baseTime.Add(59*time.Minute)))

	last, ok := th.lastAlerted("a")
	require.True(t, ok)
	assert.Equal(t, baseTime.Add(31*time.Minute), last)
}

func TestThrottlePrune(t *testing.T) {
	th := NewThrottle(nil)
	th.Allow("old", models.SeverityCritical, baseTime)
	th.Allow("fresh", models.SeverityCritical, baseTime.Add(50*time.Minute))

	th.Prune(baseTime.Add(61 * time.Minute))

	assert.Equal(t, 1, th.size())
	_, ok := th.lastAlerted("old")
	assert.False(t, ok)
}

func TestRuleSeverity(t *testing.T) {
	rules := Rules(DefaultThresholds())
	byMetric := make(map[string]Rule)
	for _, r := range rules {
		byMetric[r.Metric] = r
	}

	tests := []struct {
		metric string
		value  float64
		want   models.Severity
		ok     bool
	}{
		{"connection_utilization", 0.5, "", false},
		{"connection_utilization", 0.85, models.SeverityWarning, true},
		{"connection_utilization", 0.92, models.SeverityError, true},
		{"connection_utilization", 0.97, models.SeverityCritical, true},
		{"cache_hit_rate", 0.9, "", false},
		{"cache_hit_rate", 0.75, models.SeverityWarning, true},
		{"cache_hit_rate", 0.55, models.SeverityError, true},
		{"cache_hit_rate", 0.4, models.SeverityCritical, true},
		{"cpu_percent", 91, models.SeverityError, true},
		{"shard_load", 1.2, models.SeverityCritical, true},
	}

	for _, tt := range tests {
		sev, ok := byMetric[tt.metric].Severity(tt.value)
		assert.Equal(t, tt.ok, ok, "%s=%v", tt.metric, tt.value)
		assert.Equal(t, tt.want, sev, "%s=%v", tt.metric, tt.value)
	}
}

func TestTrackQuerySlowEmitsOneAlertPerCall(t *testing.T) {
	p, rec, clock := newTestPipeline(nil, nil, nil, nil)

	start := clock.now()
	clock.advance(150 * time.Millisecond)
	p.TrackQuery("SELECT * FROM orders WHERE id = $1", []any{1}, start)
	p.TrackQuery("SELECT * FROM orders WHERE id = $1", []any{1}, start)

	start = clock.now()
	clock.advance(50 * time.Millisecond)
	p.TrackQuery("SELECT 1", nil, start)

	require.Len(t, rec.alerts, 2)
	for _, a := range rec.alerts {
		assert.Equal(t, models.SeverityWarning, a.Severity)
		assert.Equal(t, models.AlertQuery, a.Type)
		assert.True(t, strings.HasPrefix(a.ID, "slow_query:"))
	}
	assert.NotEqual(t, rec.alerts[0].ID, rec.alerts[1].ID)

	queries := p.Queries()
	require.Len(t, queries, 3)
	assert.Equal(t, 150*time.Millisecond, queries[0].Duration)
	assert.Len(t, p.Alerts(), 2)
}

func TestCollectAssemblesSnapshot(t *testing.T) {
	store := fakeStore{
		stats:    repository.PoolStats{Active: 3, Idle: 2, Waiting: 1, Max: 10, Total: 5},
		counters: repository.Counters{Commits: 100, Rollbacks: 2, Deadlocks: 1},
	}
	c := &fakeCache{snap: &models.CacheSnapshot{Connected: true, UsedMemory: 50, TotalMemory: 100, Hits: 90, Misses: 10, HitRate: 0.9, EvictedKeys: 4}}
	shards := fakeShards{0: {ShardID: 0, Load: 0.2}, 1: {ShardID: 1, Load: 0.4}}
	p, rec, clock := newTestPipeline(calmSampler(), store, c, shards)

	for _, ms := range []int{10, 20, 30, 40, 50} {
		start := clock.now()
		clock.advance(time.Duration(ms) * time.Millisecond)
		p.TrackQuery("SELECT 1", nil, start)
	}
	p.RequestStarted()
	p.RequestStarted()
	p.RequestFinished()

	snap := p.Collect(context.Background())

	assert.Equal(t, int64(1), snap.Application.ActiveRequests)
	assert.Equal(t, 3, snap.Database.ActiveConnections)
	assert.Equal(t, 1, snap.Database.WaitingConnections)
	assert.InDelta(t, 0.3, snap.Database.ConnectionUtilization, 1e-9)
	assert.Equal(t, int64(100), snap.Database.Commits)
	assert.Equal(t, 5, snap.Database.TotalQueries)
	assert.Equal(t, 0, snap.Database.SlowQueries)
	assert.Equal(t, 30*time.Millisecond, snap.Database.AvgQueryDuration)
	assert.Equal(t, 30*time.Millisecond, snap.Database.P50)
	assert.Equal(t, 50*time.Millisecond, snap.Database.P90)
	assert.True(t, snap.Cache.Connected)
	assert.InDelta(t, 0.5, snap.Cache.MemoryUsage, 1e-9)
	assert.Equal(t, int64(100), snap.Cache.Operations)
	assert.Equal(t, 2, snap.Shards.ShardCount)
	assert.InDelta(t, 0.3, snap.Shards.AverageLoad, 1e-9)

	assert.Empty(t, rec.alerts)
	assert.Equal(t, 1, rec.snapshots())

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, latest.Timestamp)

	var stored models.SystemMetricsSnapshot
	require.NoError(t, json.Unmarshal(c.stored[LatestSnapshotKey], &stored))
	assert.Equal(t, 5, stored.Database.TotalQueries)
	assert.Equal(t, DefaultConfig().SnapshotTTL, c.ttl)
}

func TestCollectToleratesSourceErrors(t *testing.T) {
	sampler := fakeSampler{m: models.ApplicationMetrics{HeapAlloc: 1, HeapSys: 10}, err: errors.New("no procfs")}
	store := fakeStore{stats: repository.PoolStats{Max: 10}, err: errors.New("permission denied")}
	p, _, _ := newTestPipeline(sampler, store, nil, nil)

	snap := p.Collect(context.Background())

	assert.Equal(t, uint64(1), snap.Application.HeapAlloc)
	assert.Zero(t, snap.Database.Commits)
	assert.Len(t, p.History(), 1)
}

func TestCollectRaisesThrottledAlerts(t *testing.T) {
	store := fakeStore{stats: repository.PoolStats{Active: 10, Idle: 0, Max: 10, Total: 10}}
	p, rec, clock := newTestPipeline(calmSampler(), store, nil, nil)

	p.Collect(context.Background())
	require.Len(t, rec.alerts, 1)
	assert.Equal(t, "connection_utilization:critical", rec.alerts[0].ID)
	assert.Equal(t, models.AlertDatabase, rec.alerts[0].Type)
	assert.Equal(t, clock.now(), rec.alerts[0].LastAlerted)

	clock.advance(time.Minute)
	p.Collect(context.Background())
	assert.Len(t, rec.alerts, 1)

	clock.advance(5 * time.Minute)
	p.Collect(context.Background())
	assert.Len(t, rec.alerts, 2)
}

func TestCacheHitRateRuleSkippedWithoutOperations(t *testing.T) {
	c := &fakeCache{snap: &models.CacheSnapshot{Connected: true, TotalMemory: 100}}
	p, rec, _ := newTestPipeline(calmSampler(), nil, c, nil)

	p.Collect(context.Background())

	assert.Empty(t, rec.alerts)
}

// TestPruneRemovesExpiredRecords проверяет очистку истории по сроку хранения
func TestPruneRemovesExpiredRecords(t *testing.T) {
	p, _, clock := newTestPipeline(nil, nil, nil, nil)
	now := clock.now()

	p.mu.Lock()
	p.history = append(p.history,
		models.SystemMetricsSnapshot{Timestamp: now.Add(-2 * time.Hour)},
		models.SystemMetricsSnapshot{Timestamp: now.Add(-time.Minute)},
	)
	p.queries = append(p.queries, models.QueryMetric{Query: "old", Timestamp: now.Add(-90 * time.Minute)})
	p.alerts = append(p.alerts, models.PerformanceAlert{ID: "old", Timestamp: now.Add(-3 * time.Hour)})
	p.mu.Unlock()

	p.prune(now)

	history := p.History()
	require.Len(t, history, 1)
	assert.Equal(t, now.Add(-time.Minute), history[0].Timestamp)
	assert.Empty(t, p.Queries())
	assert.Empty(t, p.Alerts())
}

func TestHistoryRange(t *testing.T) {
	p, _, clock := newTestPipeline(nil, nil, nil, nil)

	for i := 0; i < 5; i++ {
		p.Collect(context.Background())
		clock.advance(time.Minute)
	}

	got := p.HistoryRange(baseTime.Add(time.Minute), baseTime.Add(3*time.Minute))
	require.Len(t, got, 3)
	assert.Equal(t, baseTime.Add(time.Minute), got[0].Timestamp)
	assert.Equal(t, baseTime.Add(3*time.Minute), got[2].Timestamp)
}

func TestPipelineStartStopDelegatesCache(t *testing.T) {
	c := &fakeCache{}
	p, rec, _ := newTestPipeline(calmSampler(), nil, c, nil)

	p.Start()
	p.Start()

	require.Eventually(t, func() bool { return rec.snapshots() >= 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()

	assert.Equal(t, 1, c.started)
	assert.Equal(t, 1, c.stopped)
}
