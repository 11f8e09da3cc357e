//go:build !linux

package worker

// sampleUsage has no sysinfo(2) source wired in off Linux; heartbeats
// report zero ratios. The coordinator stores these ratios and does not
// use them when dispatching.
func sampleUsage() (cpu, mem, disk float64) {
	return 0, 0, 0
}
