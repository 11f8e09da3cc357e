//go:build !windows

package executor

import (
	"os/exec"
	"syscall"

	"github.com/forgebuild/forge/action"
)

// applySandboxIsolation configures process-group isolation so a timeout or
// cancellation kills every descendant the action spawned, not just its
// direct child, so a cancelled action frees its slot within a bounded
// deadline. When the SandboxSpec disables network access and
// isolateNetwork is set, the child is additionally asked into a fresh
// network namespace
// (see denyNetwork): the namespace holds only a down loopback device, so
// any attempted connection fails inside the sandbox instead of silently
// reaching the host network. Hosts that refuse the namespace (no
// unprivileged user namespaces) make the spawn fail; Execute retries
// with isolateNetwork unset and relies on the output-signature check to
// report attempted access.
func applySandboxIsolation(cmd *exec.Cmd, spec action.SandboxSpec, isolateNetwork bool) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if isolateNetwork && !spec.AllowNetwork {
		denyNetwork(attr)
	}
	cmd.SysProcAttr = attr
}

// killProcessGroup terminates pid and everything in its process group.
func killProcessGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}
