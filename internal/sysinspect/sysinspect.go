// Package sysinspect implements the SystemInspector capability: periodic
// resource-usage sampling used for agent:status_update events and
// hardware inventory upload.
package sysinspect

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage is the sampled resource usage reported in agent:status_update.
type Usage struct {
	CPUPercent  float64
	RAMPercent  float64
	DiskPercent float64
}

// HardwareInfo is the inventory payload sent once during authentication.
type HardwareInfo struct {
	Hostname     string
	OS           string
	Platform     string
	CPUModel     string
	CPUCores     int
	TotalMemMB   uint64
	TotalDiskMB  uint64
	AgentVersion string
}

// Inspector samples host resource usage via gopsutil.
type Inspector struct {
	rootVolume string // mount point sampled for disk usage, e.g. "C:\\" or "/"
}

// New returns an Inspector that samples disk usage at rootVolume.
func New(rootVolume string) *Inspector {
	if rootVolume == "" {
		if runtime.GOOS == "windows" {
			rootVolume = `C:\`
		} else {
			rootVolume = "/"
		}
	}
	return &Inspector{rootVolume: rootVolume}
}

// SampleUsage returns current CPU, RAM, and disk usage percentages.
func (i *Inspector) SampleUsage(ctx context.Context) (Usage, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sysinspect: sampling cpu: %w", err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sysinspect: sampling memory: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, i.rootVolume)
	if err != nil {
		return Usage{}, fmt.Errorf("sysinspect: sampling disk at %s: %w", i.rootVolume, err)
	}

	return Usage{
		CPUPercent:  cpuPct,
		RAMPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}, nil
}

// Hardware returns a one-shot hardware inventory snapshot.
func (i *Inspector) Hardware(ctx context.Context, agentVersion string) (HardwareInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("sysinspect: reading hostname: %w", err)
	}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("sysinspect: reading host info: %w", err)
	}

	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("sysinspect: reading cpu info: %w", err)
	}
	model := ""
	if len(cpuInfo) > 0 {
		model = cpuInfo[0].ModelName
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("sysinspect: reading memory total: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, i.rootVolume)
	if err != nil {
		return HardwareInfo{}, fmt.Errorf("sysinspect: reading disk total: %w", err)
	}

	return HardwareInfo{
		Hostname:     hostname,
		OS:           info.OS,
		Platform:     info.Platform,
		CPUModel:     model,
		CPUCores:     runtime.NumCPU(),
		TotalMemMB:   vm.Total / (1024 * 1024),
		TotalDiskMB:  du.Total / (1024 * 1024),
		AgentVersion: agentVersion,
	}, nil
}
