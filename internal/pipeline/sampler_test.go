package pipeline

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_CPUShare(t *testing.T) {
	cpu := 10.0
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: cpuMetricName, Help: "cpu"},
		func() float64 { return cpu },
	))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSampler(reg)
	s.clock = func() time.Time { return now }

	mem, pct := s.Sample()
	assert.Positive(t, mem)
	assert.Equal(t, -1.0, pct, "no baseline yet")

	// A quarter of every core over ten seconds.
	now = now.Add(10 * time.Second)
	cpu += 2.5 * float64(runtime.NumCPU())
	_, pct = s.Sample()
	assert.InDelta(t, 25.0, pct, 1e-9)
}

func TestSampler_NoCPUCounter(t *testing.T) {
	s := NewSampler(prometheus.NewRegistry())
	_, pct := s.Sample()
	_, pct2 := s.Sample()
	assert.Equal(t, -1.0, pct)
	assert.Equal(t, -1.0, pct2)
}

func TestSampler_RunUpdatesManager(t *testing.T) {
	rm := NewResourceManager(ResourceLimits{})
	ctx, cancel := context.WithCancel(waitCtx(t))
	defer cancel()

	go NewSampler(prometheus.NewRegistry()).Run(ctx, rm, 5*time.Millisecond, func() int { return 3 })

	require.Eventually(t, func() bool {
		u := rm.Usage()
		return u.MemoryMB > 0 && u.ActiveTasks == 3
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, rm.Usage().CPUPercent, "unknown cpu leaves the reading alone")
}
