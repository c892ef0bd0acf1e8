package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const sampleReport = `# Memory
used_memory:800
used_memory_human:800B
maxmemory:1000
maxmemory_policy:allkeys-lru
total_system_memory:16000

# Stats
keyspace_hits:80
keyspace_misses:20
evicted_keys:3
`

type fakeProber struct {
	mu      sync.Mutex
	pingErr error
	report  string
	infoErr error
	sets    map[string][]byte
}

func (f *fakeProber) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeProber) StatusReport(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.infoErr
}

func (f *fakeProber) SetWithExpiry(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets == nil {
		f.sets = make(map[string][]byte)
	}
	f.sets[key] = value
	return nil
}

func (f *fakeProber) setReport(report string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.report = report
}

func newObserver(p Prober, max int) *Observer {
	return NewObserver(p, zap.NewNop().Sugar(), max)
}

func TestParseStatus(t *testing.T) {
	st := ParseStatus(sampleReport)

	assert.Equal(t, int64(800), st.UsedMemory)
	assert.Equal(t, int64(1000), st.TotalMemory())
	assert.Equal(t, int64(80), st.Hits)
	assert.Equal(t, int64(20), st.Misses)
	assert.Equal(t, int64(3), st.EvictedKeys)
	assert.Equal(t, "allkeys-lru", st.EvictionPolicy)
}

func TestParseStatusWithoutMaxMemory(t *testing.T) {
	st := ParseStatus("used_memory:10\r\nmaxmemory:0\r\ntotal_system_memory:500\r\ngarbage\r\n")

	assert.Equal(t, int64(10), st.UsedMemory)
	assert.Equal(t, int64(500), st.TotalMemory())
}

func TestHitRate(t *testing.T) {
	assert.InDelta(t, 0.8, HitRate(80, 20), 1e-9)
	assert.Zero(t, HitRate(0, 0))
	assert.InDelta(t, 1.0, HitRate(5, 0), 1e-9)
}

func TestCollectAppendsSnapshot(t *testing.T) {
	o := newObserver(&fakeProber{report: sampleReport}, 10)

	snap, err := o.Collect(context.Background())
	require.NoError(t, err)

	assert.True(t, snap.Connected)
	assert.InDelta(t, 0.8, snap.HitRate, 1e-9)
	assert.InDelta(t, 0.8, snap.MemoryUsage(), 1e-9)
	assert.Equal(t, "allkeys-lru", snap.EvictionPolicy)

	latest, ok := o.Latest()
	require.True(t, ok)
	assert.Equal(t, snap, latest)
}

// TestCollectDisconnected проверяет срез с Connected=false при недоступном кэше
func TestCollectDisconnected(t *testing.T) {
	o := newObserver(&fakeProber{pingErr: errors.New("connection refused")}, 10)

	snap, err := o.Collect(context.Background())
	require.Error(t, err)
	assert.False(t, snap.Connected)

	latest, ok := o.Latest()
	require.True(t, ok)
	assert.False(t, latest.Connected)
}

func TestCollectStatusReportError(t *testing.T) {
	o := newObserver(&fakeProber{infoErr: errors.New("NOPERM")}, 10)

	_, err := o.Collect(context.Background())
	require.Error(t, err)
	_, ok := o.Latest()
	assert.False(t, ok)
}

// TestHistoryIsBounded проверяет вытеснение самых старых срезов
func TestHistoryIsBounded(t *testing.T) {
	p := &fakeProber{}
	o := newObserver(p, 3)

	for i := 1; i <= 5; i++ {
		p.setReport(fmt.Sprintf("used_memory:%d\n", i*100))
		_, err := o.Collect(context.Background())
		require.NoError(t, err)
	}

	history := o.History()
	require.Len(t, history, 3)
	assert.Equal(t, int64(300), history[0].UsedMemory)
	assert.Equal(t, int64(500), history[2].UsedMemory)
}

func TestAverageHitRate(t *testing.T) {
	p := &fakeProber{}
	o := newObserver(p, 10)
	assert.Zero(t, o.AverageHitRate())

	p.setReport("keyspace_hits:90\nkeyspace_misses:10\n")
	_, _ = o.Collect(context.Background())
	p.setReport("keyspace_hits:70\nkeyspace_misses:30\n")
	_, _ = o.Collect(context.Background())

	assert.InDelta(t, 0.8, o.AverageHitRate(), 1e-9)
}

func TestMemoryTrend(t *testing.T) {
	p := &fakeProber{report: "used_memory:200\n"}
	o := newObserver(p, 10)

	_, err := o.MemoryTrend()
	assert.ErrorIs(t, err, ErrNotEnoughSamples)

	_, _ = o.Collect(context.Background())
	p.setReport("used_memory:250\n")
	_, _ = o.Collect(context.Background())

	trend, err := o.MemoryTrend()
	require.NoError(t, err)
	assert.Equal(t, TrendIncreasing, trend.Direction)
	assert.InDelta(t, 25.0, trend.Change, 1e-9)

	p.setReport("used_memory:125\n")
	_, _ = o.Collect(context.Background())
	trend, err = o.MemoryTrend()
	require.NoError(t, err)
	assert.Equal(t, TrendDecreasing, trend.Direction)
	assert.InDelta(t, -50.0, trend.Change, 1e-9)

	_, _ = o.Collect(context.Background())
	trend, err = o.MemoryTrend()
	require.NoError(t, err)
	assert.Equal(t, TrendStable, trend.Direction)
}

func TestStartStop(t *testing.T) {
	p := &fakeProber{report: sampleReport}
	o := newObserver(p, 10)

	o.Start(10 * time.Millisecond)
	o.Start(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(o.History()) >= 2
	}, time.Second, 5*time.Millisecond)

	o.Stop()
	o.Stop()

	n := len(o.History())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, o.History(), n)
}

func TestStartCollectsImmediately(t *testing.T) {
	p := &fakeProber{report: sampleReport}
	o := newObserver(p, 10)

	o.Start(time.Hour)
	defer o.Stop()

	require.Eventually(t, func() bool {
		_, ok := o.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	snap, _ := o.Latest()
	assert.True(t, snap.Connected)
	assert.Len(t, o.History(), 1)
}

// TestLowHitRateWarning проверяет, что предупреждение о низкой доле попаданий пишется
// только при наличии операций с кэшем
func TestLowHitRateWarning(t *testing.T) {
	tests := []struct {
		name     string
		report   string
		wantWarn bool
	}{
		{name: "below threshold", report: "keyspace_hits:60\nkeyspace_misses:40\n", wantWarn: true},
		{name: "above threshold", report: "keyspace_hits:90\nkeyspace_misses:10\n"},
		{name: "no operations", report: "keyspace_hits:0\nkeyspace_misses:0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			o := NewObserver(&fakeProber{report: tt.report}, zap.New(core).Sugar(), 10)

			_, err := o.Collect(context.Background())
			require.NoError(t, err)

			warned := logs.FilterMessage("Cache hit rate is low").Len()
			if tt.wantWarn {
				assert.Equal(t, 1, warned)
			} else {
				assert.Zero(t, warned)
			}
		})
	}
}

func TestSetWithExpiryDelegates(t *testing.T) {
	p := &fakeProber{}
	o := newObserver(p, 10)

	require.NoError(t, o.SetWithExpiry(context.Background(), "metrics:latest", []byte("{}"), time.Minute))
	assert.Equal(t, []byte("{}"), p.sets["metrics:latest"])
}

func TestRedisProberUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	o := newObserver(NewRedisProber(client), 10)
	snap, err := o.Collect(context.Background())

	require.Error(t, err)
	assert.False(t, snap.Connected)
}
