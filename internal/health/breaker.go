package health

import (
	"sync"
	"time"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Breaker считает отказы зависимостей. Цепь считается открытой, когда число отказов
// достигло retryCount; счётчик сбрасывается, если с прошлого отказа прошло больше retryDelay.
type Breaker struct {
	retryCount int
	retryDelay time.Duration
	now        func() time.Time

	mu     sync.Mutex
	states map[string]models.CircuitBreakerState
}

// NewBreaker создаёт счётчик отказов. retryCount < 1 приравнивается к 1.
func NewBreaker(retryCount int, retryDelay time.Duration) *Breaker {
	return &Breaker{
		retryCount: max(retryCount, 1),
		retryDelay: retryDelay,
		now:        time.Now,
		states:     make(map[string]models.CircuitBreakerState),
	}
}

// RecordFailure учитывает отказ service и возвращает новое состояние.
// opened равно true ровно на том отказе, который довёл счётчик до retryCount.
func (b *Breaker) RecordFailure(service string) (state models.CircuitBreakerState, opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state = b.states[service]
	state.Service = service

	// сброс проверяется по отметке предыдущего отказа, до увеличения счётчика
	if !state.LastFailure.IsZero() && now.Sub(state.LastFailure) > b.retryDelay {
		state.Failures = 0
	}

	state.Failures++
	state.LastFailure = now
	b.states[service] = state

	return state, state.Failures == b.retryCount
}

// IsOpen сообщает, открыта ли цепь service. После паузы длиннее retryDelay цепь закрывается.
func (b *Breaker) IsOpen(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[service]
	if !ok {
		return false
	}
	if b.now().Sub(state.LastFailure) > b.retryDelay {
		return false
	}
	return state.Failures >= b.retryCount
}

// State возвращает сохранённое состояние счётчика service.
func (b *Breaker) State(service string) (models.CircuitBreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[service]
	return state, ok
}
