package events

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"
)

// FileConsumer дописывает события в файл в формате JSON Lines.
type FileConsumer struct {
	mu     sync.Mutex
	path   string
	logger *zap.SugaredLogger
}

// NewFileConsumer создаёт подписчика, пишущего в файл path.
// Пустой путь отключает запись.
func NewFileConsumer(path string, logger *zap.SugaredLogger) *FileConsumer {
	return &FileConsumer{path: path, logger: logger}
}

// Update добавляет событие в конец файла.
func (f *FileConsumer) Update(e Event) {
	if f.path == "" {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		f.logger.Errorw("Failed to encode event", "kind", e.Kind, "error", err)
		return
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		f.logger.Errorw("Failed to open event log", "file", f.path, "error", err)
		return
	}
	defer file.Close()

	if _, err := file.Write(data); err != nil {
		f.logger.Errorw("Failed to write event", "file", f.path, "error", err)
	}
}

// LogConsumer пишет события в лог. Оповещения и отказы пишутся с уровнем warn,
// срезы метрик и результаты проверок с уровнем debug.
type LogConsumer struct {
	logger *zap.SugaredLogger
}

func NewLogConsumer(logger *zap.SugaredLogger) *LogConsumer {
	return &LogConsumer{logger: logger}
}

func (l *LogConsumer) Update(e Event) {
	switch e.Kind {
	case KindAlert, KindUnhealthy, KindCircuitOpen:
		l.logger.Warnw("Monitoring event", "kind", e.Kind, "payload", e.Payload)
	default:
		l.logger.Debugw("Monitoring event", "kind", e.Kind)
	}
}
