package metrics

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// SystemStats 主机资源快照
type SystemStats struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	MemoryUsed    uint64    `json:"memoryUsed"`
	MemoryTotal   uint64    `json:"memoryTotal"`
	CollectedAt   time.Time `json:"collectedAt"`
}

// SystemMonitor 定时采样主机 CPU/内存，并同步到指标
type SystemMonitor struct {
	metrics  *Metrics
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	latest  *SystemStats
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewSystemMonitor(m *Metrics, interval time.Duration, logger *zap.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.L()
	}
	return &SystemMonitor{metrics: m, interval: interval, logger: logger}
}

func (s *SystemMonitor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Collect()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Collect()
			}
		}
	}()
}

func (s *SystemMonitor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *SystemMonitor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Collect 立即采样一次
func (s *SystemMonitor) Collect() *SystemStats {
	stats := &SystemStats{CollectedAt: time.Now()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	} else if err != nil {
		s.logger.Debug("cpu sample failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsed = vm.Used
		stats.MemoryTotal = vm.Total
	} else {
		s.logger.Debug("memory sample failed", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.CPUPercent.Set(stats.CPUPercent)
		s.metrics.MemoryPercent.Set(stats.MemoryPercent)
	}
	s.mu.Lock()
	s.latest = stats
	s.mu.Unlock()
	return stats
}

// GetLatestStats 未采样时返回 nil
func (s *SystemMonitor) GetLatestStats() *SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}
