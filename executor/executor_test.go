package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
)

func newTestExecutor(t *testing.T) (*Executor, *cas.Store) {
	t.Helper()
	store, err := cas.New(filepath.Join(t.TempDir(), "cas"), nil)
	require.NoError(t, err)
	workdir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workdir, 0o755))
	return New(store, workdir, nil), store
}

func writeAction(t *testing.T, command string, args []string, outputs []string) action.Action {
	t.Helper()
	return action.Action{
		Command: command,
		Args:    args,
		Outputs: outputs,
		Sandbox: action.SandboxSpec{
			Resources: action.ResourceLimits{Walltime: 5 * time.Second},
		},
	}
}

func TestExecuteSuccessCapturesOutput(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "echo -n hello > out.txt"}, []string{"out.txt"})

	outcome := e.Execute(context.Background(), a)
	require.Equal(t, FailureNone, outcome.Category, "%v", outcome.Err)
	require.Equal(t, action.StatusSuccess, outcome.Result.Status)
	require.Len(t, outcome.Result.Outputs, 1)

	data, err := e.Store.Get(outcome.Result.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestExecuteMissingOutputReportsOutputMissing(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "true"}, []string{"never-written.txt"})

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureOutputMissing, outcome.Category)
}

func TestExecuteNonZeroExitReportsCategory(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "exit 3"}, nil)

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureNonZeroExit, outcome.Category)
	assert.Equal(t, 3, outcome.Result.ExitCode)
}

func TestExecuteTimeoutReportsCategory(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "sleep 5"}, nil)
	a.Sandbox.Resources.Walltime = 50 * time.Millisecond

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureTimeout, outcome.Category)
}

func TestExecuteDetectsHermeticityViolation(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "echo leak > secret.txt"}, nil)

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureHermeticityViolation, outcome.Category)
}

func TestExecuteReportsUndeclaredReadAsHermeticityViolation(t *testing.T) {
	e, store := newTestExecutor(t)
	id, err := store.Put([]byte("int main() {}"))
	require.NoError(t, err)

	// Declares only a.c but reads b.h: the sandbox never materialized
	// b.h, so the read fails and the violation names the path.
	a := writeAction(t, "/bin/sh", []string{"-c", "cat a.c b.h"}, nil)
	a.Sandbox.Inputs = []action.InputRef{{Path: "a.c", ArtifactId: id}}

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureHermeticityViolation, outcome.Category)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "b.h")
}

func TestExecuteClassifiesNetworkFailureAsHermeticityViolation(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", `echo "curl: (6) Could not resolve host: example.com" >&2; exit 6`}, nil)

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureHermeticityViolation, outcome.Category)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "network")
}

func TestDetectUndeclaredReadIgnoresDeclaredPaths(t *testing.T) {
	spec := action.SandboxSpec{Inputs: []action.InputRef{{Path: "a.c"}}}
	stderr := []byte("cc: a.c: No such file or directory\n")
	assert.Empty(t, detectUndeclaredRead(spec, stderr))

	stderr = []byte("cc: b.h: No such file or directory\n")
	assert.Equal(t, "b.h", detectUndeclaredRead(spec, stderr))
}

func TestDetectNetworkViolationMatchesSignatures(t *testing.T) {
	assert.Equal(t, "network is unreachable", detectNetworkViolation([]byte("connect: Network is unreachable")))
	assert.Empty(t, detectNetworkViolation([]byte("ordinary compiler error")))
}

func TestExecuteMaterializesDeclaredInputs(t *testing.T) {
	e, store := newTestExecutor(t)
	id, err := store.Put([]byte("source content"))
	require.NoError(t, err)

	a := writeAction(t, "/bin/sh", []string{"-c", "cp in.txt out.txt"}, []string{"out.txt"})
	a.Sandbox.Inputs = []action.InputRef{{Path: "in.txt", ArtifactId: id}}

	outcome := e.Execute(context.Background(), a)
	require.Equal(t, FailureNone, outcome.Category, "%v", outcome.Err)
	data, err := store.Get(outcome.Result.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, "source content", string(data))
}

func TestExecuteMissingInputFailsBeforeSpawn(t *testing.T) {
	e, _ := newTestExecutor(t)
	var bogus action.ArtifactId
	bogus[0] = 0xff

	a := writeAction(t, "/bin/sh", []string{"-c", "true"}, nil)
	a.Sandbox.Inputs = []action.InputRef{{Path: "in.txt", ArtifactId: bogus}}

	outcome := e.Execute(context.Background(), a)
	assert.Equal(t, FailureSpawnFailed, outcome.Category)
}

func TestVerifyDeterminismDetectsDriftingOutput(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "date +%s%N > out.txt"}, []string{"out.txt"})

	report, outcome := e.VerifyDeterminism(context.Background(), a, 3)
	assert.Equal(t, FailureDeterminismViolation, outcome.Category)
	assert.False(t, report.Deterministic)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, "out.txt", report.Drifted[0].Path)
}

func TestVerifyDeterminismAcceptsStableOutput(t *testing.T) {
	e, _ := newTestExecutor(t)
	a := writeAction(t, "/bin/sh", []string{"-c", "echo -n stable > out.txt"}, []string{"out.txt"})

	report, outcome := e.VerifyDeterminism(context.Background(), a, 3)
	require.Equal(t, FailureNone, outcome.Category, "%v", outcome.Err)
	assert.True(t, report.Deterministic)
}
