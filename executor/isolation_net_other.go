//go:build !linux && !windows

package executor

import "syscall"

// denyNetwork has no namespace primitive to reach for off Linux; the
// output-signature check after execution is the only network-hermeticity
// reporting on this platform.
func denyNetwork(attr *syscall.SysProcAttr) {}
