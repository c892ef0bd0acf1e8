package models

import "time"

// HealthStatus определяет состояние зависимости. Вычисляется заново на каждом цикле проверки.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResult содержит результат проверки одной зависимости.
type HealthResult struct {
	Service      string         `json:"service"`
	Status       HealthStatus   `json:"status"`
	ResponseTime time.Duration  `json:"response_time"`
	Details      map[string]any `json:"details,omitempty"`
	Error        string         `json:"error,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// CircuitBreakerState содержит счётчик отказов зависимости.
// Открытость цепи не хранится, а вычисляется из Failures.
type CircuitBreakerState struct {
	Service     string    `json:"service"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}
