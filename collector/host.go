package collector

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"perfwatch/logger"
)

// HostCollector reports resource usage of the machine the monitor runs on.
type HostCollector struct {
	DiskPath string // filesystem checked for disk usage, "/" by default
	Log      *zap.Logger
}

// NewHostCollector returns a collector for the local host.
func NewHostCollector(diskPath string, log *zap.Logger) *HostCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostCollector{DiskPath: diskPath, Log: log}
}

// Collect reads cpu, memory, disk and load figures. Individual probes that
// fail are skipped; the call fails only when nothing could be read.
func (h *HostCollector) Collect(ctx context.Context) (map[string]float64, error) {
	log := logger.FromContext(ctx, h.Log)
	metrics := make(map[string]float64, 4)

	// Interval 0 compares against the previous call, so the first
	// reading after start-up may be coarse.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		log.Debug("cpu usage unavailable", zap.Error(err))
	} else if len(pct) > 0 {
		metrics["cpu_percent"] = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.Debug("memory usage unavailable", zap.Error(err))
	} else {
		metrics["mem_used_percent"] = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, h.DiskPath); err != nil {
		log.Debug("disk usage unavailable", zap.String("path", h.DiskPath), zap.Error(err))
	} else {
		metrics["disk_used_percent"] = du.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		log.Debug("load average unavailable", zap.Error(err))
	} else {
		metrics["load1"] = avg.Load1
	}

	if len(metrics) == 0 {
		return nil, fmt.Errorf("host probes: %w", ErrNoValues)
	}
	return metrics, nil
}
