// Package pool предоставляет обобщённый пул переиспользуемых объектов и
// буфер длительностей для расчёта перцентилей без лишних аллокаций.
//
//	buffers := pool.New(pool.NewDurations)
//	buf := buffers.Get()
//	buf.Append(d)
//	buffers.Put(buf)
package pool

import (
	"slices"
	"sync"
	"time"
)

// Resettable ограничивает тип тем, у кого есть метод Reset()
type Resettable interface {
	Reset()
}

// Pool хранит объекты типа T. Объект сбрасывается при возврате в пул.
type Pool[T Resettable] struct {
	mu      sync.Mutex
	items   []T
	Factory func() T
}

// New создаёт новый Pool[T]. Фабрика должна возвращать новый экземпляр T.
func New[T Resettable](factory func() T) *Pool[T] {
	return &Pool[T]{Factory: factory}
}

// Get возвращает объект из пула или создаёт новый через фабрику.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	if n := len(p.items); n > 0 {
		v := p.items[n-1]
		p.items = p.items[:n-1]
		p.mu.Unlock()
		return v
	}
	p.mu.Unlock()

	if p.Factory != nil {
		return p.Factory()
	}
	var zero T
	return zero
}

// Put возвращает объект обратно в пул после вызова Reset()
func (p *Pool[T]) Put(v T) {
	v.Reset()

	p.mu.Lock()
	p.items = append(p.items, v)
	p.mu.Unlock()
}

// Durations накапливает длительности и сортирует их на месте.
type Durations struct {
	values []time.Duration
}

// NewDurations создаёт пустой буфер.
func NewDurations() *Durations {
	return &Durations{values: make([]time.Duration, 0, 64)}
}

func (d *Durations) Append(v time.Duration) {
	d.values = append(d.values, v)
}

// Sorted сортирует буфер по возрастанию и возвращает его содержимое.
// Срез действителен до возврата буфера в пул.
func (d *Durations) Sorted() []time.Duration {
	slices.Sort(d.values)
	return d.values
}

func (d *Durations) Len() int { return len(d.values) }

// Reset очищает буфер, сохраняя ёмкость.
func (d *Durations) Reset() {
	d.values = d.values[:0]
}
