package monitoring

import (
	"time"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Tiers задаёт пороги метрики для уровней warning, error и critical.
type Tiers struct {
	Warning  float64 `json:"warning"`
	Error    float64 `json:"error"`
	Critical float64 `json:"critical"`
}

// Thresholds задаёт пороги всех проверяемых метрик.
// Для CacheHitRate оповещение возникает при значении ниже порога, для остальных выше.
type Thresholds struct {
	ConnectionUtilization Tiers `json:"connection_utilization"`
	CacheHitRate          Tiers `json:"cache_hit_rate"`
	CPUPercent            Tiers `json:"cpu_percent"`
	HeapUsage             Tiers `json:"heap_usage"`
	ShardLoad             Tiers `json:"shard_load"`
}

// DefaultThresholds возвращает пороги по умолчанию.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConnectionUtilization: Tiers{Warning: 0.8, Error: 0.9, Critical: 0.95},
		CacheHitRate:          Tiers{Warning: 0.8, Error: 0.6, Critical: 0.5},
		CPUPercent:            Tiers{Warning: 80, Error: 90, Critical: 95},
		HeapUsage:             Tiers{Warning: 0.85, Error: 0.9, Critical: 0.95},
		ShardLoad:             Tiers{Warning: 0.8, Error: 0.9, Critical: 1.0},
	}
}

// Config задаёт параметры конвейера метрик.
type Config struct {
	CollectionInterval time.Duration
	CacheInterval      time.Duration
	Retention          time.Duration
	SlowQueryThreshold time.Duration
	SnapshotTTL        time.Duration
	Thresholds         Thresholds
	ThrottleIntervals  map[models.Severity]time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		CollectionInterval: 30 * time.Second,
		CacheInterval:      time.Minute,
		Retention:          24 * time.Hour,
		SlowQueryThreshold: time.Second,
		SnapshotTTL:        5 * time.Minute,
		Thresholds:         DefaultThresholds(),
		ThrottleIntervals:  DefaultThrottleIntervals(),
	}
}
