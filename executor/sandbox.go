package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/ferr"
)

// materializeInputs copies each declared input from the CAS into the
// sandbox root. A missing input fails before any process is spawned.
func materializeInputs(store *cas.Store, sandboxRoot string, inputs []action.InputRef) error {
	for _, in := range inputs {
		if !store.Has(in.ArtifactId) {
			return ferr.New(ferr.CategoryAction, "missing_input", fmt.Sprintf("input %s (%s) not present in CAS", in.Path, in.ArtifactId))
		}
		data, err := store.Get(in.ArtifactId)
		if err != nil {
			return fmt.Errorf("executor: materializing input %s: %w", in.Path, err)
		}
		dest := filepath.Join(sandboxRoot, in.Path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("executor: preparing directory for input %s: %w", in.Path, err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("executor: writing input %s: %w", in.Path, err)
		}
	}
	return nil
}

// captureOutputs hashes each declared output path, publishes it to the
// CAS, and returns the resulting ArtifactIds in declaration order. A
// declared output absent from the sandbox root is a fatal OutputMissing
// failure.
func captureOutputs(store *cas.Store, sandboxRoot string, declared []string) ([]action.ArtifactId, error) {
	outputs := make([]action.ArtifactId, 0, len(declared))
	for _, path := range declared {
		full := filepath.Join(sandboxRoot, path)
		if _, err := os.Stat(full); err != nil {
			return nil, ferr.New(ferr.CategoryAction, "output_missing", fmt.Sprintf("declared output %s was not produced", path))
		}
		id, err := store.PutFile(full)
		if err != nil {
			return nil, fmt.Errorf("executor: publishing output %s: %w", path, err)
		}
		outputs = append(outputs, id)
	}
	return outputs, nil
}

// detectHermeticityViolation performs the portable, filesystem-level half
// of hermeticity enforcement: any regular file that exists under the
// sandbox root after execution but was neither a declared input, a
// declared output, nor under a declared temp path is evidence the action
// read or wrote something outside its declared surface. Network access
// denial is enforced separately by applySandboxIsolation; a platform
// without namespace isolation can only deny network through environment
// scrubbing, so this check is the portable backstop for the filesystem
// half of the same invariant.
func detectHermeticityViolation(sandboxRoot string, spec action.SandboxSpec) string {
	declared := declaredPathSet(spec)

	var violation string
	_ = filepath.Walk(sandboxRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || violation != "" || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sandboxRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.Clean(rel)
		if declared[rel] {
			return nil
		}
		for prefix := range declared {
			if strings.HasPrefix(rel, prefix+string(filepath.Separator)) {
				return nil
			}
		}
		violation = rel
		return nil
	})
	return violation
}

// declaredPathSet collects every path a SandboxSpec allows the action to
// touch, cleaned for comparison against observed paths.
func declaredPathSet(spec action.SandboxSpec) map[string]bool {
	declared := make(map[string]bool, len(spec.Inputs)+len(spec.Outputs)+len(spec.Temps))
	for _, in := range spec.Inputs {
		declared[filepath.Clean(in.Path)] = true
	}
	for _, out := range spec.Outputs {
		declared[filepath.Clean(out)] = true
	}
	for _, tmp := range spec.Temps {
		declared[filepath.Clean(tmp)] = true
	}
	return declared
}

// enoentMarker is the strerror text shells and tools print when a path
// they tried to read was never materialized into the sandbox.
const enoentMarker = ": No such file or directory"

// detectUndeclaredRead scans a failed action's output streams for the
// ENOENT message a read of an undeclared path produces: only declared
// inputs are materialized into the sandbox root, so a command that reads
// a path it never declared finds nothing there and names the path in its
// error output. Declared-but-missing paths never get here (input
// materialization fails before spawn), so a hit is an undeclared read.
// Returns the offending path, or "" when no such message is present.
func detectUndeclaredRead(spec action.SandboxSpec, streams ...[]byte) string {
	declared := declaredPathSet(spec)
	for _, stream := range streams {
		for _, line := range strings.Split(string(stream), "\n") {
			idx := strings.Index(line, enoentMarker)
			if idx < 0 {
				continue
			}
			// The path is the last ": "-separated field before the
			// marker, e.g. "cat: b.h: No such file or directory".
			head := line[:idx]
			if j := strings.LastIndex(head, ": "); j >= 0 {
				head = head[j+2:]
			}
			path := strings.Trim(head, "'\"`")
			if path == "" {
				continue
			}
			if !declared[filepath.Clean(path)] {
				return path
			}
		}
	}
	return ""
}

// networkFailureSignatures are the error strings a denied or unreachable
// connection leaves in a command's output, both inside a network
// namespace (unreachable, refused) and outside one (resolver failures
// from the scrubbed environment).
var networkFailureSignatures = []string{
	"network is unreachable",
	"connection refused",
	"connection timed out",
	"no route to host",
	"no such host",
	"could not resolve",
	"temporary failure in name resolution",
	"name or service not known",
}

// detectNetworkViolation scans a failed action's output streams for the
// connection-failure signatures attempted network access leaves behind
// when the sandbox has network disabled. Returns the matched signature,
// or "" when none is present.
func detectNetworkViolation(streams ...[]byte) string {
	for _, stream := range streams {
		lower := strings.ToLower(string(stream))
		for _, sig := range networkFailureSignatures {
			if strings.Contains(lower, sig) {
				return sig
			}
		}
	}
	return ""
}
