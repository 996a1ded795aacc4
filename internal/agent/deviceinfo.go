package agent

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// collectHostInfo gathers a snapshot of the agent host's resource state for
// inclusion in the agent's reported status, supplementing whatever
// device-info.json a provisioning command produced.
func collectHostInfo(ctx context.Context, rundir string) map[string]interface{} {
	info := map[string]interface{}{}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hi.Hostname
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["uptime_seconds"] = hi.Uptime
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["mem_total_bytes"] = vm.Total
		info["mem_used_percent"] = vm.UsedPercent
	}

	if percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percents) > 0 {
		info["cpu_used_percent"] = percents[0]
	}

	if du, err := disk.UsageWithContext(ctx, rundir); err == nil {
		info["disk_free_bytes"] = du.Free
		info["disk_used_percent"] = du.UsedPercent
	}

	return info
}
