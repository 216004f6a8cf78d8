// Package monitoring samples system resource usage for logs and metrics.
package monitoring

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/apoluektov/fm/internal/metrics"
)

// SystemMonitor periodically samples CPU, memory and goroutine counts,
// logging each snapshot and exporting it through the metric gauges. It runs
// entirely outside the server loop and shares no state with it.
type SystemMonitor struct {
	interval time.Duration
	log      zerolog.Logger
	metrics  *metrics.Registry

	stop chan struct{}
	done chan struct{}
}

func New(interval time.Duration, log zerolog.Logger, m *metrics.Registry) *SystemMonitor {
	return &SystemMonitor{
		interval: interval,
		log:      log,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling goroutine.
func (m *SystemMonitor) Start() {
	go m.run()
}

// Stop terminates sampling and waits for the goroutine to exit.
func (m *SystemMonitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *SystemMonitor) run() {
	defer close(m.done)

	// Prime the CPU counters; the first Percent call establishes a baseline.
	_, _ = cpu.Percent(0, false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *SystemMonitor) sample() {
	goroutines := runtime.NumGoroutine()
	m.metrics.Goroutines.Set(float64(goroutines))

	logEvent := m.log.Info().Int("goroutines", goroutines)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.metrics.CPUPercent.Set(percents[0])
		logEvent = logEvent.Float64("cpu_percent", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.metrics.MemoryBytes.Set(float64(vm.Used))
		logEvent = logEvent.Uint64("memory_used_bytes", vm.Used)
	}

	logEvent.Msg("system resources")
}
