//go:build !linux

package executor

// resourceMonitor is a no-op outside Linux: /proc is unavailable, so
// memory-ceiling enforcement and RSS telemetry are left to the deployment
// (cgroups, a container runtime's own memory limit).
type resourceMonitor struct{}

func newResourceMonitor(maxMemoryBytes int64) *resourceMonitor { return &resourceMonitor{} }

func (m *resourceMonitor) watch(pid int) {}

func (m *resourceMonitor) stop() bool { return false }

func (m *resourceMonitor) peakRSS() int64 { return 0 }
