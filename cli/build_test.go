package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/config"
)

// chdir switches the test process's working directory to dir for the
// duration of the test, restoring the original on cleanup. runBuild
// always loads the workspace rooted at ".", so exercising it end-to-end
// means putting a BUILD.json under the process's cwd.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644))
	pkg := `{
		"targets": [
			{
				"name": "//pkg:greet",
				"type": "custom",
				"language": "generic",
				"sources": ["hello.txt"],
				"config": {
					"command": "cat {srcs} > {out}",
					"output": ["greet.out"]
				}
			}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BUILD.json"), []byte(pkg), 0o644))
	return dir
}

func TestRunBuildSucceedsAndCaches(t *testing.T) {
	dir := writeWorkspace(t)
	chdir(t, dir)

	cfg = config.Config{
		CacheDir:    filepath.Join(dir, ".builder-cache"),
		Parallelism: 2,
	}

	err := runBuild(buildCmd, []string{"//pkg:greet"}, false)
	require.NoError(t, err)

	// Second run should hit the action cache for the same inputs.
	err = runBuild(buildCmd, []string{"//pkg:greet"}, false)
	require.NoError(t, err)
}

func TestQueryGraphWildcards(t *testing.T) {
	dir := writeWorkspace(t)
	chdir(t, dir)

	cfg = config.Config{CacheDir: filepath.Join(dir, ".builder-cache"), Parallelism: 1}
	ws, err := LoadWorkspace(".", cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if ws.Actions != nil {
			ws.Actions.Close()
		}
	})

	matches := QueryGraph(ws.Graph, "//...")
	require.Len(t, matches, 1)
}
