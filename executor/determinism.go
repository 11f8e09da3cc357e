package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/ferr"
)

// DeterminismReport names, per declared output, whether every run agreed
// on its ArtifactId, and a best-effort guess at the non-determinism
// source when they didn't.
type DeterminismReport struct {
	Deterministic bool
	Drifted       []OutputDrift
}

// OutputDrift records one output path that produced more than one
// distinct ArtifactId across the verification runs.
type OutputDrift struct {
	Path        string
	ArtifactIds []action.ArtifactId
	Suspected   []string
}

// VerifyDeterminism runs a iterations times (iterations >= 2) and compares
// the ArtifactId of every declared output across runs. Any run that fails
// outright short-circuits verification with that run's Outcome.
func (e *Executor) VerifyDeterminism(ctx context.Context, a action.Action, iterations int) (DeterminismReport, Outcome) {
	if iterations < 2 {
		iterations = 2
	}

	perOutput := make(map[string][]action.ArtifactId, len(a.Outputs))
	var stdoutSamples, stderrSamples [][]byte

	var last Outcome
	for i := 0; i < iterations; i++ {
		last = e.Execute(ctx, a)
		if last.Category != FailureNone {
			return DeterminismReport{}, last
		}
		for idx, path := range a.Outputs {
			if idx < len(last.Result.Outputs) {
				perOutput[path] = append(perOutput[path], last.Result.Outputs[idx])
			}
		}
		stdoutSamples = append(stdoutSamples, last.Result.Stdout)
		stderrSamples = append(stderrSamples, last.Result.Stderr)
	}

	report := DeterminismReport{Deterministic: true}
	for _, path := range a.Outputs {
		ids := perOutput[path]
		if allEqual(ids) {
			continue
		}
		report.Deterministic = false
		report.Drifted = append(report.Drifted, OutputDrift{
			Path:        path,
			ArtifactIds: ids,
			Suspected:   suspectNonDeterminismSources(stdoutSamples, stderrSamples),
		})
	}

	if !report.Deterministic {
		names := make([]string, len(report.Drifted))
		for i, d := range report.Drifted {
			names[i] = d.Path
		}
		last.Category = FailureDeterminismViolation
		last.Err = ferr.New(ferr.CategorySandbox, "determinism_violation", fmt.Sprintf("non-deterministic outputs: %s", strings.Join(names, ", ")))
	}
	return report, last
}

func allEqual(ids []action.ArtifactId) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			return false
		}
	}
	return true
}

// suspectNonDeterminismSources reports "timestamp source" when stdout or
// stderr differ across runs, and nothing otherwise. It does not look at
// output file contents and does not tell a timestamp apart from other
// sources such as random tokens or thread scheduling.
func suspectNonDeterminismSources(stdoutSamples, stderrSamples [][]byte) []string {
	var suspects []string
	if linesDiffer(stdoutSamples) || linesDiffer(stderrSamples) {
		suspects = append(suspects, "timestamp source")
	}
	return suspects
}

func linesDiffer(samples [][]byte) bool {
	if len(samples) < 2 {
		return false
	}
	first := string(samples[0])
	for _, s := range samples[1:] {
		if string(s) != first {
			return true
		}
	}
	return false
}
