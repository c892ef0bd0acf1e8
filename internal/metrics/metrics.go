// Package metrics экспортирует снимки мониторинга и нагрузку шардов в формате Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

const namespace = "shard_monitor"

// SnapshotSource предоставляет последний снимок метрик.
type SnapshotSource interface {
	Latest() (models.SystemMetricsSnapshot, bool)
}

// ShardSource предоставляет метрики шардов.
type ShardSource interface {
	Metrics() map[int]models.ShardMetrics
}

type gauge struct {
	name  string
	help  string
	value func(models.SystemMetricsSnapshot) float64
}

var snapshotGauges = []gauge{
	{"heap_alloc_bytes", "Heap bytes allocated by the process", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Application.HeapAlloc) }},
	{"rss_bytes", "Resident set size of the process", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Application.RSS) }},
	{"cpu_percent", "Process CPU usage percent since previous sample", func(s models.SystemMetricsSnapshot) float64 { return s.Application.CPUPercent }},
	{"goroutines", "Number of goroutines", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Application.Goroutines) }},
	{"active_requests", "Status API requests in flight", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Application.ActiveRequests) }},
	{"db_active_connections", "Connections in use", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Database.ActiveConnections) }},
	{"db_idle_connections", "Idle connections", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Database.IdleConnections) }},
	{"db_max_connections", "Maximum open connections", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Database.MaxConnections) }},
	{"db_connection_utilization", "Fraction of the pool in use", func(s models.SystemMetricsSnapshot) float64 { return s.Database.ConnectionUtilization }},
	{"db_tracked_queries", "Queries in the retention window", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Database.TotalQueries) }},
	{"db_slow_queries", "Slow queries in the retention window", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Database.SlowQueries) }},
	{"db_query_p95_seconds", "95th percentile query latency", func(s models.SystemMetricsSnapshot) float64 { return s.Database.P95.Seconds() }},
	{"db_query_p99_seconds", "99th percentile query latency", func(s models.SystemMetricsSnapshot) float64 { return s.Database.P99.Seconds() }},
	{"cache_hit_rate", "Cache hit rate", func(s models.SystemMetricsSnapshot) float64 { return s.Cache.HitRate }},
	{"cache_memory_usage", "Cache memory usage fraction", func(s models.SystemMetricsSnapshot) float64 { return s.Cache.MemoryUsage }},
	{"shard_count", "Number of shards", func(s models.SystemMetricsSnapshot) float64 { return float64(s.Shards.ShardCount) }},
	{"shard_average_load", "Mean shard load fraction", func(s models.SystemMetricsSnapshot) float64 { return s.Shards.AverageLoad }},
}

// Register регистрирует GaugeFunc по последнему снимку и коллектор нагрузки шардов.
// Пока снимка нет, значения равны нулю.
func Register(reg prometheus.Registerer, snaps SnapshotSource, shards ShardSource) error {
	for _, g := range snapshotGauges {
		value := g.value
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, func() float64 {
			s, ok := snaps.Latest()
			if !ok {
				return 0
			}
			return value(s)
		})
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	if shards != nil {
		if err := reg.Register(NewShardCollector(shards)); err != nil {
			return err
		}
	}
	return nil
}

// ShardCollector отдаёт нагрузку и счётчики каждого шарда с меткой shard.
type ShardCollector struct {
	source ShardSource
	load   *prometheus.Desc
	rows   *prometheus.Desc
	xacts  *prometheus.Desc
}

// NewShardCollector создаёт коллектор метрик шардов.
func NewShardCollector(source ShardSource) *ShardCollector {
	labels := []string{"shard"}
	return &ShardCollector{
		source: source,
		load:   prometheus.NewDesc(namespace+"_shard_load", "Shard load fraction", labels, nil),
		rows:   prometheus.NewDesc(namespace+"_shard_rows", "Live rows in the shard", labels, nil),
		xacts:  prometheus.NewDesc(namespace+"_shard_queries", "Transactions in the last poll interval", labels, nil),
	}
}

func (c *ShardCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.load
	ch <- c.rows
	ch <- c.xacts
}

func (c *ShardCollector) Collect(ch chan<- prometheus.Metric) {
	for id, m := range c.source.Metrics() {
		shard := strconv.Itoa(id)
		ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue, m.Load, shard)
		ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(m.RowCount), shard)
		ch <- prometheus.MustNewConstMetric(c.xacts, prometheus.GaugeValue, float64(m.QueryCount), shard)
	}
}

// HTTPMetrics считает запросы к статусному API.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewHTTPMetrics создаёт и регистрирует метрики запросов.
func NewHTTPMetrics(reg prometheus.Registerer) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of status API requests",
		}, []string{"method", "path", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe учитывает один обработанный запрос.
func (m *HTTPMetrics) Observe(method, path string, status int, seconds float64) {
	m.Requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.Duration.WithLabelValues(method, path).Observe(seconds)
}
