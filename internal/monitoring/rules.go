package monitoring

import (
	"fmt"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Rule описывает пороговое правило для одной метрики снимка.
type Rule struct {
	Metric string
	Type   models.AlertType
	Tiers  Tiers
	// Below означает, что нарушением считается значение ниже порога.
	Below bool
	// Value извлекает значение метрики; ok=false означает, что правило неприменимо.
	Value func(s models.SystemMetricsSnapshot) (v float64, ok bool)
}

// Severity возвращает самый высокий нарушенный уровень для v.
func (r Rule) Severity(v float64) (models.Severity, bool) {
	exceeds := func(limit float64) bool {
		if r.Below {
			return v < limit
		}
		return v > limit
	}

	switch {
	case exceeds(r.Tiers.Critical):
		return models.SeverityCritical, true
	case exceeds(r.Tiers.Error):
		return models.SeverityError, true
	case exceeds(r.Tiers.Warning):
		return models.SeverityWarning, true
	default:
		return "", false
	}
}

func (r Rule) threshold(sev models.Severity) float64 {
	switch sev {
	case models.SeverityCritical:
		return r.Tiers.Critical
	case models.SeverityError:
		return r.Tiers.Error
	default:
		return r.Tiers.Warning
	}
}

// Check проверяет снимок и возвращает оповещение-кандидат при нарушении порога.
func (r Rule) Check(s models.SystemMetricsSnapshot) (models.PerformanceAlert, bool) {
	v, ok := r.Value(s)
	if !ok {
		return models.PerformanceAlert{}, false
	}
	sev, violated := r.Severity(v)
	if !violated {
		return models.PerformanceAlert{}, false
	}

	limit := r.threshold(sev)
	direction := "above"
	if r.Below {
		direction = "below"
	}

	return models.PerformanceAlert{
		ID:       r.Metric + ":" + string(sev),
		Type:     r.Type,
		Severity: sev,
		Message:  fmt.Sprintf("%s is %.2f, %s %s threshold %.2f", r.Metric, v, direction, sev, limit),
		Details: map[string]any{
			"metric":    r.Metric,
			"value":     v,
			"threshold": limit,
		},
		Timestamp: s.Timestamp,
	}, true
}

// Rules строит набор правил по порогам.
func Rules(t Thresholds) []Rule {
	return []Rule{
		{
			Metric: "connection_utilization",
			Type:   models.AlertDatabase,
			Tiers:  t.ConnectionUtilization,
			Value: func(s models.SystemMetricsSnapshot) (float64, bool) {
				return s.Database.ConnectionUtilization, s.Database.MaxConnections > 0
			},
		},
		{
			Metric: "cache_hit_rate",
			Type:   models.AlertCache,
			Tiers:  t.CacheHitRate,
			Below:  true,
			Value: func(s models.SystemMetricsSnapshot) (float64, bool) {
				return s.Cache.HitRate, s.Cache.Connected && s.Cache.Operations > 0
			},
		},
		{
			Metric: "cpu_percent",
			Type:   models.AlertApplication,
			Tiers:  t.CPUPercent,
			Value: func(s models.SystemMetricsSnapshot) (float64, bool) {
				return s.Application.CPUPercent, true
			},
		},
		{
			Metric: "heap_usage",
			Type:   models.AlertApplication,
			Tiers:  t.HeapUsage,
			Value: func(s models.SystemMetricsSnapshot) (float64, bool) {
				return s.Application.HeapUsage(), s.Application.HeapSys > 0
			},
		},
		{
			Metric: "shard_load",
			Type:   models.AlertShard,
			Tiers:  t.ShardLoad,
			Value: func(s models.SystemMetricsSnapshot) (float64, bool) {
				return s.Shards.AverageLoad, s.Shards.ShardCount > 0
			},
		},
	}
}
