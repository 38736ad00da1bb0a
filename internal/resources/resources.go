// Package resources implements Resource Admission (C3): a cached,
// fail-open gate on live CPU and memory headroom.
package resources

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sampler reports the current CPU and memory utilization fractions in
// [0, 1]. The default implementation wraps gopsutil; tests supply a fake.
type Sampler interface {
	Sample() (cpuFraction, memFraction float64, err error)
}

// GopsutilSampler samples live host utilization via gopsutil.
type GopsutilSampler struct{}

func (GopsutilSampler) Sample() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuFraction float64
	if len(percents) > 0 {
		cpuFraction = percents[0] / 100
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}

	return cpuFraction, vm.UsedPercent / 100, nil
}

// Gate caches samples for at least MinInterval and admits a launch iff both
// fractions are below their configured targets. A sampling error fails
// open: admit (§4.3).
type Gate struct {
	sampler Sampler

	CPUTarget   float64
	MemTarget   float64
	MinInterval time.Duration

	mu         sync.Mutex
	lastSample time.Time
	cpuFrac    float64
	memFrac    float64
}

// NewGate constructs a Gate with the given targets (default 0.8 when zero)
// and a 5s minimum resample interval per §4.3.
func NewGate(sampler Sampler, cpuTarget, memTarget float64) *Gate {
	if sampler == nil {
		sampler = GopsutilSampler{}
	}
	if cpuTarget <= 0 {
		cpuTarget = 0.8
	}
	if memTarget <= 0 {
		memTarget = 0.8
	}
	return &Gate{
		sampler:     sampler,
		CPUTarget:   cpuTarget,
		MemTarget:   memTarget,
		MinInterval: 5 * time.Second,
	}
}

// Admit reports whether a new child process may be launched right now,
// based on the most recent (possibly cached) sample.
func (g *Gate) Admit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastSample) >= g.MinInterval {
		cpuFrac, memFrac, err := g.sampler.Sample()
		if err != nil {
			// Fail open: an unreadable sampler must never starve the
			// scheduler of admissions.
			g.lastSample = now
			return true
		}
		g.cpuFrac, g.memFrac = cpuFrac, memFrac
		g.lastSample = now
	}

	return g.cpuFrac < g.CPUTarget && g.memFrac < g.MemTarget
}
