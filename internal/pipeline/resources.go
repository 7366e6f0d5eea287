package pipeline

import (
	"sync"
)

// ResourceLimits are the ceilings the ResourceManager scales against.
type ResourceLimits struct {
	MaxMemoryMB   float64
	MaxCPUPercent float64
}

// DefaultResourceLimits returns 1 GiB and 80% CPU.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{MaxMemoryMB: 1024, MaxCPUPercent: 80}
}

// ResourceUsage is the last reported utilization.
type ResourceUsage struct {
	MemoryMB    float64 `json:"memory_mb"`
	CPUPercent  float64 `json:"cpu_percent"`
	ActiveTasks int     `json:"active_tasks"`
}

// ResourceManager turns externally reported utilization into batch-size and
// throttling advice. The pipeline never enforces it; submitters consult it.
type ResourceManager struct {
	limits ResourceLimits

	mu    sync.RWMutex
	usage ResourceUsage
}

// NewResourceManager creates a manager with the given ceilings; zero fields
// take the defaults.
func NewResourceManager(limits ResourceLimits) *ResourceManager {
	def := DefaultResourceLimits()
	if limits.MaxMemoryMB <= 0 {
		limits.MaxMemoryMB = def.MaxMemoryMB
	}
	if limits.MaxCPUPercent <= 0 {
		limits.MaxCPUPercent = def.MaxCPUPercent
	}
	return &ResourceManager{limits: limits}
}

// Update records current utilization. Negative values leave the previous
// reading unchanged.
func (r *ResourceManager) Update(memoryMB, cpuPercent float64, activeTasks int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if memoryMB >= 0 {
		r.usage.MemoryMB = memoryMB
	}
	if cpuPercent >= 0 {
		r.usage.CPUPercent = cpuPercent
	}
	if activeTasks >= 0 {
		r.usage.ActiveTasks = activeTasks
	}
}

// Usage returns the last reported utilization.
func (r *ResourceManager) Usage() ResourceUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usage
}

// Limits returns the configured ceilings.
func (r *ResourceManager) Limits() ResourceLimits {
	return r.limits
}

// OptimalBatchSize scales base by the scarcer of free memory and free CPU,
// clamped to [1, 2*base].
func (r *ResourceManager) OptimalBatchSize(base int) int {
	if base <= 0 {
		return 1
	}
	u := r.Usage()
	memFactor := (r.limits.MaxMemoryMB - u.MemoryMB) / r.limits.MaxMemoryMB
	cpuFactor := (r.limits.MaxCPUPercent - u.CPUPercent) / r.limits.MaxCPUPercent
	factor := min(memFactor, cpuFactor)
	factor = max(0, min(1, factor))

	size := int(float64(base) * factor)
	return max(1, min(size, 2*base))
}

// ShouldThrottle reports whether utilization exceeds 90% of either ceiling.
func (r *ResourceManager) ShouldThrottle() bool {
	u := r.Usage()
	return u.MemoryMB > 0.9*r.limits.MaxMemoryMB || u.CPUPercent > 0.9*r.limits.MaxCPUPercent
}
