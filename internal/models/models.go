// Package models содержит структуры данных, описывающие основные сущности подсистемы
// шардирования и мониторинга. Пакет не содержит бизнес-логику и используется для передачи
// данных между компонентами. Все структуры истории несут собственную временную метку и
// не изменяются после добавления в историю.
package models

import "time"

// KeyRange задаёт полуинтервал ключей [Start, End), обслуживаемый шардом.
type KeyRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains сообщает, попадает ли ключ в полуинтервал.
func (r KeyRange) Contains(key int64) bool {
	return key >= r.Start && key < r.End
}

// ShardDescriptor описывает один физический шард реляционного хранилища.
// Неизменяем после регистрации в маршрутизаторе.
type ShardDescriptor struct {
	// ID содержит целочисленный идентификатор шарда.
	ID int `json:"id"`

	// Host, Port и Database задают координаты подключения.
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`

	// User и Password содержат учётные данные подключения.
	User     string `json:"user"`
	Password string `json:"password"`

	// Region содержит необязательную метку региона.
	Region string `json:"region,omitempty"`

	// Range содержит необязательный диапазон ключей для стратегии range.
	Range *KeyRange `json:"range,omitempty"`
}

// ShardMetrics содержит последний собранный срез нагрузки шарда.
// Изменяется только циклом сбора маршрутизатора.
type ShardMetrics struct {
	ShardID int `json:"shard_id"`

	// Load содержит долю нагрузки в диапазоне [0, ∞): максимум из отношений
	// числа строк и числа запросов за интервал к настроенной ёмкости.
	Load float64 `json:"load"`

	RowCount   int64 `json:"row_count"`
	QueryCount int64 `json:"query_count"`

	LastRebalance time.Time `json:"last_rebalance"`
	CollectedAt   time.Time `json:"collected_at"`
}
