package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// Sampler снимает метрики процесса.
type Sampler interface {
	Sample(ctx context.Context) (models.ApplicationMetrics, error)
}

// ProcessSampler снимает метрики текущего процесса через runtime и gopsutil.
type ProcessSampler struct {
	mu   sync.Mutex
	proc *process.Process
}

// NewProcessSampler создаёт сэмплер текущего процесса.
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open current process: %w", err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample возвращает метрики кучи, памяти и процессора. Метрики runtime заполняются
// всегда, ошибка gopsutil возвращается вместе с частично заполненным результатом.
func (s *ProcessSampler) Sample(ctx context.Context) (models.ApplicationMetrics, error) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	m := models.ApplicationMetrics{
		HeapAlloc:  stats.HeapAlloc,
		HeapSys:    stats.HeapSys,
		Goroutines: runtime.NumGoroutine(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	memInfo, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("process memory: %w", err)
	}
	m.RSS = memInfo.RSS

	times, err := s.proc.TimesWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("process cpu times: %w", err)
	}
	m.CPUUser = times.User
	m.CPUSystem = times.System

	// при нулевом интервале процент считается относительно предыдущего вызова
	percent, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return m, fmt.Errorf("process cpu percent: %w", err)
	}
	m.CPUPercent = percent / float64(runtime.NumCPU())

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("host memory: %w", err)
	}
	m.HostMemoryTotal = vm.Total
	m.HostMemoryUsedPercent = vm.UsedPercent

	return m, nil
}
