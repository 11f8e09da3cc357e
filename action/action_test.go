package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sampleAction() Action {
	return Action{
		Command: "/usr/bin/cc",
		Args:    []string{"-c", "main.c", "-o", "main.o"},
		Env:     map[string]string{"PATH": "/usr/bin"},
		Inputs: []InputRef{
			{Path: "main.c", ArtifactId: HashBytesForTest("main.c contents")},
			{Path: "util.h", ArtifactId: HashBytesForTest("util.h contents")},
		},
		Outputs:     []string{"main.o"},
		ToolchainID: "cc-12.2",
		Resources:   ResourceLimits{MaxMemoryBytes: 1 << 30, Walltime: 30 * time.Second},
	}
}

// HashBytesForTest is a tiny deterministic stand-in for a real artifact
// fingerprint, used only to build fixtures in this package's tests.
func HashBytesForTest(s string) ArtifactId {
	var f ArtifactId
	copy(f[:], s)
	return f
}

func TestDeriveActionIdStableAndOrderIndependent(t *testing.T) {
	a := sampleAction()
	b := sampleAction()
	// Shuffle input order; ActionId must not depend on slice order since
	// the canonical form sorts (path, ArtifactId) pairs.
	b.Inputs[0], b.Inputs[1] = b.Inputs[1], b.Inputs[0]

	assert.Equal(t, DeriveActionId(a), DeriveActionId(b))
}

func TestDeriveActionIdSensitiveToInputs(t *testing.T) {
	a := sampleAction()
	b := sampleAction()
	b.Inputs[0].ArtifactId = HashBytesForTest("different contents")

	assert.NotEqual(t, DeriveActionId(a), DeriveActionId(b))
}

func TestCapabilitiesSatisfies(t *testing.T) {
	caps := Capabilities{MaxMemoryBytes: 1 << 30, MaxCPUCores: 4, AllowNetwork: false}

	ok := SandboxSpec{Resources: ResourceLimits{MaxMemoryBytes: 1 << 20}}
	assert.True(t, caps.Satisfies(ok))

	tooMuchMem := SandboxSpec{Resources: ResourceLimits{MaxMemoryBytes: 1 << 40}}
	assert.False(t, caps.Satisfies(tooMuchMem))

	needsNetwork := SandboxSpec{AllowNetwork: true}
	assert.False(t, caps.Satisfies(needsNetwork))
}
