package obs

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler periodically samples host CPU/memory utilization and feeds
// it to a Reporter, adapted from the teacher's cmd/agent heartbeat sampler
// (gopsutil cpu.Percent / mem.VirtualMemory) down to the two gauges the
// engine's own process actually needs to expose (spec.md §4.10's "pool
// stats" line item is about connection pool occupancy; host resource
// pressure is the process-health half of the same responsibility).
type HostSampler struct {
	interval time.Duration
	reporter Reporter
}

// NewHostSampler builds a HostSampler. interval <= 0 disables sampling.
func NewHostSampler(interval time.Duration, reporter Reporter) *HostSampler {
	if reporter == nil {
		reporter = Noop()
	}
	return &HostSampler{interval: interval, reporter: reporter}
}

// Run blocks, sampling on every tick until ctx is cancelled.
func (h *HostSampler) Run(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	h.sampleOnce()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sampleOnce()
		}
	}
}

func (h *HostSampler) sampleOnce() {
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}

	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		memPercent = vm.UsedPercent
	}

	h.reporter.SetHostStats(cpuPercent, memPercent)
}
