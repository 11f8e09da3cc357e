//go:build linux

package executor

import (
	"os"
	"syscall"
)

// denyNetwork requests a fresh network namespace for the child, paired
// with an unprivileged user namespace mapping the executor's own uid/gid
// so no elevated privileges are needed. The new namespace has no routes
// and a down loopback, which is exactly the denial a network-disabled
// sandbox wants.
func denyNetwork(attr *syscall.SysProcAttr) {
	attr.Cloneflags |= syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getuid(), HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: os.Getgid(), HostID: os.Getgid(), Size: 1}}
}
