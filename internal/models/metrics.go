package models

import "time"

// ApplicationMetrics содержит метрики процесса.
type ApplicationMetrics struct {
	HeapAlloc uint64 `json:"heap_alloc"`
	HeapSys   uint64 `json:"heap_sys"`
	RSS       uint64 `json:"rss"`

	// CPUUser и CPUSystem содержат процессорное время в секундах.
	CPUUser   float64 `json:"cpu_user"`
	CPUSystem float64 `json:"cpu_system"`

	// CPUPercent содержит загрузку процессора в процентах с прошлого замера.
	CPUPercent float64 `json:"cpu_percent"`

	// HostMemoryTotal и HostMemoryUsedPercent описывают память хоста.
	HostMemoryTotal       uint64  `json:"host_memory_total"`
	HostMemoryUsedPercent float64 `json:"host_memory_used_percent"`

	Goroutines     int   `json:"goroutines"`
	ActiveRequests int64 `json:"active_requests"`
}

// HeapUsage возвращает долю используемой кучи.
func (m ApplicationMetrics) HeapUsage() float64 {
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapAlloc) / float64(m.HeapSys)
}

// DatabaseMetrics содержит статистику пула соединений и запросов.
type DatabaseMetrics struct {
	ActiveConnections  int `json:"active_connections"`
	IdleConnections    int `json:"idle_connections"`
	WaitingConnections int `json:"waiting_connections"`
	MaxConnections     int `json:"max_connections"`

	TotalQueries int `json:"total_queries"`
	SlowQueries  int `json:"slow_queries"`

	AvgQueryDuration time.Duration `json:"avg_query_duration"`
	P50              time.Duration `json:"p50"`
	P90              time.Duration `json:"p90"`
	P95              time.Duration `json:"p95"`
	P99              time.Duration `json:"p99"`

	// ConnectionUtilization вычисляется как (total-idle)/max.
	ConnectionUtilization float64 `json:"connection_utilization"`

	Commits   int64 `json:"commits"`
	Rollbacks int64 `json:"rollbacks"`
	Deadlocks int64 `json:"deadlocks"`
}

// CacheMetrics содержит выжимку последнего среза кэша.
type CacheMetrics struct {
	Connected   bool    `json:"connected"`
	HitRate     float64 `json:"hit_rate"`
	MemoryUsage float64 `json:"memory_usage"`
	Evictions   int64   `json:"evictions"`
	Operations  int64   `json:"operations"`
}

// ShardingMetrics содержит агрегированную статистику по шардам.
type ShardingMetrics struct {
	ShardCount     int           `json:"shard_count"`
	AverageLoad    float64       `json:"average_load"`
	AverageLatency time.Duration `json:"average_latency"`
	ErrorRate      float64       `json:"error_rate"`
}

// SystemMetricsSnapshot содержит один срез всех метрик системы.
type SystemMetricsSnapshot struct {
	Timestamp   time.Time          `json:"timestamp"`
	Application ApplicationMetrics `json:"application"`
	Database    DatabaseMetrics    `json:"database"`
	Cache       CacheMetrics       `json:"cache"`
	Shards      ShardingMetrics    `json:"shards"`
}

// QueryMetric описывает одно выполнение запроса.
type QueryMetric struct {
	Query     string        `json:"query"`
	Params    []any         `json:"params,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`

	RowCount *int64 `json:"row_count,omitempty"`
	Error    string `json:"error,omitempty"`
	Plan     string `json:"plan,omitempty"`
}
