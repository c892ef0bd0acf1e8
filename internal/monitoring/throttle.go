package monitoring

import (
	"sync"
	"time"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// DefaultThrottleIntervals возвращает минимальные интервалы между повторами одного оповещения.
func DefaultThrottleIntervals() map[models.Severity]time.Duration {
	return map[models.Severity]time.Duration{
		models.SeverityCritical: 5 * time.Minute,
		models.SeverityError:    15 * time.Minute,
		models.SeverityWarning:  30 * time.Minute,
		models.SeverityInfo:     time.Hour,
	}
}

// Throttle подавляет повторы оповещения с тем же идентификатором в пределах
// интервала, зависящего от уровня важности.
type Throttle struct {
	intervals map[models.Severity]time.Duration
	longest   time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottle создаёт подавитель. Пустая карта интервалов означает DefaultThrottleIntervals.
func NewThrottle(intervals map[models.Severity]time.Duration) *Throttle {
	if len(intervals) == 0 {
		intervals = DefaultThrottleIntervals()
	}
	t := &Throttle{
		intervals: intervals,
		last:      make(map[string]time.Time),
	}
	for _, d := range intervals {
		t.longest = max(t.longest, d)
	}
	return t
}

// Allow сообщает, можно ли отправить оповещение id в момент now, и при разрешении
// запоминает now как время последней отправки.
func (t *Throttle) Allow(id string, severity models.Severity, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[id]; ok && now.Sub(last) < t.intervals[severity] {
		return false
	}
	t.last[id] = now
	return true
}

// lastAlerted возвращает время последней отправки оповещения id.
func (t *Throttle) lastAlerted(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[id]
	return last, ok
}

// Prune удаляет записи старше самого длинного интервала.
func (t *Throttle) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, last := range t.last {
		if now.Sub(last) >= t.longest {
			delete(t.last, id)
		}
	}
}

// size возвращает число запомненных идентификаторов.
func (t *Throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
