package models

import "time"

// AlertType определяет подсистему, к которой относится оповещение.
type AlertType string

const (
	AlertQuery       AlertType = "query"
	AlertDatabase    AlertType = "database"
	AlertApplication AlertType = "application"
	AlertShard       AlertType = "shard"
	AlertCache       AlertType = "cache"
)

// Severity определяет уровень важности оповещения.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// PerformanceAlert описывает оповещение о нарушении порога.
type PerformanceAlert struct {
	// ID содержит стабильный идентификатор, используемый как ключ подавления повторов.
	ID       string    `json:"id"`
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`

	Details map[string]any `json:"details,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	LastAlerted time.Time `json:"last_alerted"`
}
