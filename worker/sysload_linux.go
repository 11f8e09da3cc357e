//go:build linux

package worker

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// sampleUsage reads host-level CPU, memory and disk usage ratios for the
// heartbeat payload. Each ratio is clamped to [0,1]; a ratio whose source
// can't be read reports 0 rather than failing the beat, since liveness
// reporting must never depend on optional telemetry.
func sampleUsage() (cpu, mem, disk float64) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		// Loads[0] is the 1-minute load average scaled by 1<<16;
		// normalize by core count for a [0,1]-ish busy ratio.
		load1 := float64(si.Loads[0]) / 65536.0
		cpu = clampRatio(load1 / float64(runtime.NumCPU()))
		if si.Totalram > 0 {
			unit := uint64(si.Unit)
			if unit == 0 {
				unit = 1
			}
			total := float64(si.Totalram) * float64(unit)
			free := float64(si.Freeram) * float64(unit)
			mem = clampRatio((total - free) / total)
		}
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(".", &fs); err == nil && fs.Blocks > 0 {
		disk = clampRatio(1 - float64(fs.Bavail)/float64(fs.Blocks))
	}
	return cpu, mem, disk
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
