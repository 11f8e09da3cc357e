//go:build windows

package executor

import (
	"os/exec"

	"github.com/forgebuild/forge/action"
)

// applySandboxIsolation is a no-op on Windows: process-group kill semantics
// and namespace-level network isolation aren't available through
// os/exec.Cmd.SysProcAttr the way they are on Unix. Windows deployments
// rely on the restricted-environment, filesystem-access and
// output-signature hermeticity checks that run on every platform.
func applySandboxIsolation(cmd *exec.Cmd, _ action.SandboxSpec, _ bool) {}

func killProcessGroup(pid int) {}
