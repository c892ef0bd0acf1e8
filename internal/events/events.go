// Package events реализует шину событий подсистемы мониторинга.
// Использует паттерн Observer: компоненты публикуют события, а подписчики
// (дашборды, логи, файлы) получают их через интерфейс Consumer.
package events

import (
	"sync"
	"time"
)

// Kind определяет тип события.
type Kind string

const (
	KindHealthCheck     Kind = "healthCheck"
	KindUnhealthy       Kind = "unhealthy"
	KindCircuitOpen     Kind = "circuitOpen"
	KindAlert           Kind = "alert"
	KindMetricsSnapshot Kind = "metricsSnapshot"
)

// Event содержит тип события, момент публикации и полезную нагрузку.
//
// Payload для каждого типа:
//
//	healthCheck, unhealthy: []models.HealthResult
//	circuitOpen:            models.CircuitBreakerState
//	alert:                  models.PerformanceAlert
//	metricsSnapshot:        models.SystemMetricsSnapshot
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Publisher публикует события. Его принимают все компоненты, порождающие события.
type Publisher interface {
	Publish(kind Kind, payload any)
}

// Consumer определяет интерфейс подписчика.
type Consumer interface {
	// Update обрабатывает одно событие. Вызывается синхронно из публикующей горутины.
	Update(e Event)
}

// ConsumerFunc позволяет использовать функцию как Consumer.
type ConsumerFunc func(e Event)

// Update вызывает f(e).
func (f ConsumerFunc) Update(e Event) { f(e) }

type subscription struct {
	id    uint64
	kinds map[Kind]bool
	c     Consumer
}

// Bus рассылает события зарегистрированным подписчикам.
// Безопасен для конкурентного использования.
type Bus struct {
	mu      sync.RWMutex
	clients []subscription
	nextID  uint64
	now     func() time.Time
}

// NewBus создаёт пустую шину.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// RegisterClient подписывает c на события перечисленных типов либо на все события,
// если типы не указаны. Возвращает функцию отписки.
func (b *Bus) RegisterClient(c Consumer, kinds ...Kind) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, c: c}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.clients = append(b.clients, sub)

	id := sub.id
	return func() { b.removeClient(id) }
}

func (b *Bus) removeClient(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.clients {
		if sub.id == id {
			b.clients = append(b.clients[:i:i], b.clients[i+1:]...)
			return
		}
	}
}

// Publish отправляет событие всем подписчикам соответствующего типа.
func (b *Bus) Publish(kind Kind, payload any) {
	e := Event{Kind: kind, Timestamp: b.now(), Payload: payload}

	b.mu.RLock()
	targets := make([]Consumer, 0, len(b.clients))
	for _, sub := range b.clients {
		if sub.kinds == nil || sub.kinds[kind] {
			targets = append(targets, sub.c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		c.Update(e)
	}
}
