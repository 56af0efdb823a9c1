// Package watchdog samples the local machine's own CPU/memory while a
// session is running, whatever its transport, so a test that appears to hang can be
// correlated against local resource pressure rather than just the SUT's.
// Grounded in the teacher's internal/runner/metrics.go (gopsutil sampling)
// and internal/cpu_resource/cpu.go (the init-time hardware snapshot this
// package's threshold check reuses the same library for).
package watchdog

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"

	"github.com/linux-test-project/runltp-ng-sub000/internal/log"
)

// MemPressureThreshold is the UsedPercent above which Watch logs a
// warning instead of staying silent.
const MemPressureThreshold = 90.0

// Watch samples local CPU and memory every interval until ctx is
// cancelled, logging (never failing) a warning when memory usage crosses
// MemPressureThreshold. cmd/runner starts it as a background goroutine
// for the lifetime of the whole session, with any transport.
func Watch(ctx context.Context, interval time.Duration, logger *log.Logger) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(logger)
		}
	}
}

func sample(logger *log.Logger) {
	vmem, errGo := mem.VirtualMemory()
	if errGo != nil {
		logger.Warn("watchdog: memory sample failed", "err", errGo)
		return
	}
	percent, errGo := cpu.Percent(0, false)
	if errGo != nil {
		logger.Warn("watchdog: cpu sample failed", "err", errGo)
		return
	}

	cpuUtil := 0.0
	if len(percent) > 0 {
		cpuUtil = percent[0]
	}

	if vmem.UsedPercent >= MemPressureThreshold {
		logger.Warn("watchdog: local memory pressure",
			"used_percent", vmem.UsedPercent,
			"used", humanize.Bytes(vmem.Used),
			"total", humanize.Bytes(vmem.Total),
			"cpu_percent", cpuUtil)
	}
}
