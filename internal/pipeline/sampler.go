package pipeline

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const cpuMetricName = "process_cpu_seconds_total"

// Sampler measures this process for a ResourceManager. Memory comes from the
// Go runtime; CPU from the process_cpu_seconds_total counter of a gatherer,
// which the default Prometheus registry provides on supported platforms.
type Sampler struct {
	gatherer prometheus.Gatherer
	clock    func() time.Time

	lastCPU float64
	lastAt  time.Time
}

// NewSampler creates a sampler. A nil gatherer uses prometheus.DefaultGatherer.
func NewSampler(g prometheus.Gatherer) *Sampler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Sampler{gatherer: g, clock: time.Now}
}

// Sample returns memory obtained from the OS in MB and the CPU share used
// since the previous call, as a percentage of all cores. CPU is -1 on the
// first call or when the counter is unavailable.
func (s *Sampler) Sample() (memoryMB, cpuPercent float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memoryMB = float64(ms.Sys) / (1024 * 1024)

	cpuPercent = -1
	total, ok := s.cpuSeconds()
	if !ok {
		return memoryMB, cpuPercent
	}
	now := s.clock()
	if !s.lastAt.IsZero() {
		if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 {
			cpuPercent = (total - s.lastCPU) / elapsed / float64(runtime.NumCPU()) * 100
		}
	}
	s.lastCPU, s.lastAt = total, now
	return memoryMB, cpuPercent
}

func (s *Sampler) cpuSeconds() (float64, bool) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return 0, false
	}
	for _, mf := range families {
		if mf.GetName() != cpuMetricName || len(mf.GetMetric()) == 0 {
			continue
		}
		return mf.GetMetric()[0].GetCounter().GetValue(), true
	}
	return 0, false
}

// Run samples every interval and reports to rm until ctx is done. busy, if
// set, supplies the active task count.
func (s *Sampler) Run(ctx context.Context, rm *ResourceManager, interval time.Duration, busy func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := -1
			if busy != nil {
				active = busy()
			}
			mem, cpu := s.Sample()
			rm.Update(mem, cpu, active)
		}
	}
}
