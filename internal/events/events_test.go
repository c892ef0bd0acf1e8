package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Update(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// TestBusFiltersByKind проверяет доставку только подписанных типов событий
func TestBusFiltersByKind(t *testing.T) {
	bus := NewBus()
	all := &recorder{}
	alerts := &recorder{}

	bus.RegisterClient(all)
	bus.RegisterClient(alerts, KindAlert)

	bus.Publish(KindHealthCheck, nil)
	bus.Publish(KindAlert, "a")
	bus.Publish(KindMetricsSnapshot, nil)

	assert.Equal(t, []Kind{KindHealthCheck, KindAlert, KindMetricsSnapshot}, all.kinds())
	assert.Equal(t, []Kind{KindAlert}, alerts.kinds())
}

// TestBusRemoveClient проверяет отписку
func TestBusRemoveClient(t *testing.T) {
	bus := NewBus()
	first := &recorder{}
	second := &recorder{}

	removeFirst := bus.RegisterClient(first)
	bus.RegisterClient(second)

	bus.Publish(KindAlert, nil)
	removeFirst()
	removeFirst()
	bus.Publish(KindAlert, nil)

	assert.Len(t, first.kinds(), 1)
	assert.Len(t, second.kinds(), 2)
}

func TestConsumerFunc(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.RegisterClient(ConsumerFunc(func(e Event) { got = e }))

	bus.Publish(KindCircuitOpen, 42)

	assert.Equal(t, KindCircuitOpen, got.Kind)
	assert.Equal(t, 42, got.Payload)
	assert.False(t, got.Timestamp.IsZero())
}

// TestFileConsumerAppends проверяет запись событий в формате JSON Lines
func TestFileConsumerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	fc := NewFileConsumer(path, zap.NewNop().Sugar())

	bus := NewBus()
	bus.RegisterClient(fc)
	bus.Publish(KindAlert, map[string]string{"id": "cpu:warning"})
	bus.Publish(KindUnhealthy, []string{"redis"})

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var kinds []Kind
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		kinds = append(kinds, e.Kind)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []Kind{KindAlert, KindUnhealthy}, kinds)
}

func TestFileConsumerEmptyPathIsNoop(t *testing.T) {
	fc := NewFileConsumer("", zap.NewNop().Sugar())
	fc.Update(Event{Kind: KindAlert})
}
