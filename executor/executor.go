// Package executor implements the Hermetic Executor: it runs
// one action.Action inside a sandbox root that declares exactly the paths
// it may read and write, whether it may reach the network, and its
// resource ceilings, then hashes declared outputs into the CAS.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/ferr"
)

// FailureCategory enumerates the fine-grained executor failure
// categories, distinct from the coarse action.Status.
type FailureCategory string

const (
	FailureNone                 FailureCategory = ""
	FailureSpawnFailed          FailureCategory = "SpawnFailed"
	FailureTimeout              FailureCategory = "Timeout"
	FailureOOM                  FailureCategory = "OOM"
	FailureNonZeroExit          FailureCategory = "NonZeroExit"
	FailureOutputMissing        FailureCategory = "OutputMissing"
	FailureHermeticityViolation FailureCategory = "HermeticityViolation"
	FailureDeterminismViolation FailureCategory = "DeterminismViolation"
)

// Outcome wraps the outcome of one Execute call with the richer failure
// taxonomy that action.Result alone can't express.
type Outcome struct {
	Result   *action.Result
	Category FailureCategory
	Err      error
}

// defaultOutputCeiling bounds how much of stdout/stderr the executor keeps
// in memory before truncating.
const defaultOutputCeiling = 1 << 20 // 1MiB

// Executor runs actions inside per-execution sandbox directories rooted
// under Workdir, materializing inputs from and publishing outputs to a
// cas.Store.
type Executor struct {
	Store         *cas.Store
	Workdir       string
	OutputCeiling int64
	log           *logrus.Entry
}

// New builds an Executor. workdir holds scratch sandbox directories, one
// per execution, removed after the outputs are captured.
func New(store *cas.Store, workdir string, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		Store:         store,
		Workdir:       workdir,
		OutputCeiling: defaultOutputCeiling,
		log:           log.WithField("component", "executor"),
	}
}

// Execute runs a under a fresh sandbox and returns its Outcome. It does
// not consult or populate the action cache; that is the caller's job
// (the single-flight BeginBuild/Commit dance wraps this call).
func (e *Executor) Execute(ctx context.Context, a action.Action) Outcome {
	sandboxRoot, err := os.MkdirTemp(e.Workdir, "sbx-")
	if err != nil {
		return Outcome{Category: FailureSpawnFailed, Err: fmt.Errorf("executor: creating sandbox root: %w", err)}
	}
	defer os.RemoveAll(sandboxRoot)

	if err := materializeInputs(e.Store, sandboxRoot, a.Sandbox.Inputs); err != nil {
		return Outcome{Category: FailureSpawnFailed, Err: err}
	}
	for _, temp := range a.Sandbox.Temps {
		if err := os.MkdirAll(filepath.Join(sandboxRoot, filepath.Dir(temp)), 0o755); err != nil {
			return Outcome{Category: FailureSpawnFailed, Err: fmt.Errorf("executor: preparing temp dir for %s: %w", temp, err)}
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if a.Sandbox.Resources.Walltime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.Sandbox.Resources.Walltime)
		defer cancel()
	}

	var stdout, stderr boundedBuffer
	stdout.limit = e.effectiveCeiling()
	stderr.limit = e.effectiveCeiling()

	spawn := func(isolateNetwork bool) (*exec.Cmd, error) {
		cmd := exec.CommandContext(runCtx, a.Command, a.Args...)
		cmd.Dir = sandboxRoot
		cmd.Env = restrictedEnv(a.Sandbox.Env)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		applySandboxIsolation(cmd, a.Sandbox, isolateNetwork)
		cmd.Cancel = func() error {
			killProcessGroup(cmd.Process.Pid)
			return cmd.Process.Kill()
		}
		return cmd, cmd.Start()
	}

	monitor := newResourceMonitor(a.Sandbox.Resources.MaxMemoryBytes)
	start := time.Now()
	cmd, err := spawn(true)
	if err != nil && !a.Sandbox.AllowNetwork {
		// The kernel refused the network namespace (typically no
		// unprivileged user namespaces on this host). Run without it;
		// attempted network access is then reported by the
		// output-signature check below instead of being denied outright.
		cmd, err = spawn(false)
	}
	if err != nil {
		return Outcome{Category: FailureSpawnFailed, Err: fmt.Errorf("executor: spawning %s: %w", a.Command, err)}
	}
	monitor.watch(cmd.Process.Pid)
	waitErr := cmd.Wait()
	duration := time.Since(start)
	oom := monitor.stop()

	result := &action.Result{
		Duration:        duration,
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Resources: action.ResourceUsage{
			WallTime:       duration,
			MaxMemoryBytes: monitor.peakRSS(),
		},
	}

	switch {
	case oom:
		result.Status = action.StatusFailure
		return Outcome{Result: result, Category: FailureOOM, Err: fmt.Errorf("executor: %s exceeded memory limit of %s", a.Command, units.BytesSize(float64(a.Sandbox.Resources.MaxMemoryBytes)))}
	case runCtx.Err() == context.DeadlineExceeded:
		result.Status = action.StatusTimeout
		return Outcome{Result: result, Category: FailureTimeout, Err: fmt.Errorf("executor: %s exceeded walltime of %s", a.Command, a.Sandbox.Resources.Walltime)}
	case waitErr != nil:
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			result.Status = action.StatusFailure
			return Outcome{Result: result, Category: FailureSpawnFailed, Err: fmt.Errorf("executor: running %s: %w", a.Command, waitErr)}
		}
		result.ExitCode = exitErr.ExitCode()
		result.Status = action.StatusFailure
		if !a.Sandbox.AllowNetwork {
			if sig := detectNetworkViolation(result.Stdout, result.Stderr); sig != "" {
				return Outcome{Result: result, Category: FailureHermeticityViolation, Err: ferr.New(ferr.CategorySandbox, "hermeticity_violation", fmt.Sprintf("attempted network access with network disabled: %s", sig))}
			}
		}
		if path := detectUndeclaredRead(a.Sandbox, result.Stdout, result.Stderr); path != "" {
			return Outcome{Result: result, Category: FailureHermeticityViolation, Err: ferr.New(ferr.CategorySandbox, "hermeticity_violation", fmt.Sprintf("read of undeclared input: %s", path))}
		}
		return Outcome{Result: result, Category: FailureNonZeroExit, Err: ferr.New(ferr.CategoryAction, "nonzero_exit", fmt.Sprintf("%s exited %d", a.Command, result.ExitCode))}
	}

	declared := a.Sandbox
	declared.Outputs = append(append([]string(nil), a.Sandbox.Outputs...), a.Outputs...)
	if violation := detectHermeticityViolation(sandboxRoot, declared); violation != "" {
		result.Status = action.StatusFailure
		return Outcome{Result: result, Category: FailureHermeticityViolation, Err: ferr.New(ferr.CategorySandbox, "hermeticity_violation", fmt.Sprintf("undeclared file in sandbox: %s", violation))}
	}

	outputs, err := captureOutputs(e.Store, sandboxRoot, a.Outputs)
	if err != nil {
		result.Status = action.StatusFailure
		return Outcome{Result: result, Category: FailureOutputMissing, Err: err}
	}
	result.Outputs = outputs
	result.Status = action.StatusSuccess
	return Outcome{Result: result, Category: FailureNone}
}

func (e *Executor) effectiveCeiling() int64 {
	if e.OutputCeiling > 0 {
		return e.OutputCeiling
	}
	return defaultOutputCeiling
}

// boundedBuffer collects up to limit bytes, discarding and flagging the
// rest as truncated.
type boundedBuffer struct {
	bytes.Buffer
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if int64(b.Len())+int64(len(p)) > b.limit {
		if remaining := b.limit - int64(b.Len()); remaining > 0 {
			b.Buffer.Write(p[:remaining])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// restrictedEnv builds a process environment containing only the
// whitelisted variables from the SandboxSpec, never
// inheriting the executor's own environment.
func restrictedEnv(whitelist map[string]string) []string {
	env := make([]string, 0, len(whitelist))
	for k, v := range whitelist {
		env = append(env, k+"="+v)
	}
	return env
}
