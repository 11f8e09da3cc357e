package action

import (
	"sort"

	"github.com/forgebuild/forge/fingerprint"
)

// DeriveActionId computes the Action's ActionId from its canonical
// serialization: command, argument vector, the hermetic-set environment
// variables, sorted input (path, ArtifactId) pairs, declared output paths,
// resource limits, and toolchain identity. mtimes and any other
// non-content-derived state never enter this computation.
func DeriveActionId(a Action) ActionId {
	inputs := append([]InputRef(nil), a.Inputs...)
	SortInputs(inputs)

	envKeys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)

	outputs := append([]string(nil), a.Outputs...)
	sort.Strings(outputs)

	fields := make([]string, 0, 8+4*len(inputs)+2*len(envKeys)+len(outputs))
	fields = append(fields, "command", a.Command)
	fields = append(fields, "toolchain", a.ToolchainID)
	fields = append(fields, "args")
	fields = append(fields, a.Args...)

	fields = append(fields, "env")
	for _, k := range envKeys {
		fields = append(fields, k, a.Env[k])
	}

	fields = append(fields, "inputs")
	for _, in := range inputs {
		fields = append(fields, in.Path, in.ArtifactId.String())
	}

	fields = append(fields, "outputs")
	fields = append(fields, outputs...)

	fields = append(fields, "resources",
		itoa(a.Resources.MaxMemoryBytes),
		ftoa(a.Resources.MaxCPUCores),
		itoa(a.Resources.MaxCPUTimeMs),
		itoa(int64(a.Resources.Walltime)),
	)

	fp := fingerprint.HashStrings(fields)
	var id ActionId
	copy(id[:], fp[:])
	return id
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func ftoa(f float64) string {
	// Resource limits are coarse (fractional CPU cores); a fixed-point
	// encoding at millicore precision is enough to keep ActionId stable
	// and avoids pulling in strconv's full float formatting here.
	milli := int64(f * 1000)
	return itoa(milli)
}
