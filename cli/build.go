package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/action"
	"github.com/forgebuild/forge/actioncache"
	"github.com/forgebuild/forge/cas"
	"github.com/forgebuild/forge/engine"
	"github.com/forgebuild/forge/executor"
	"github.com/forgebuild/forge/ferr"
	"github.com/forgebuild/forge/graph"
	"github.com/forgebuild/forge/logging"
	"github.com/forgebuild/forge/planner"
	"github.com/forgebuild/forge/scheduler"
)

var buildCmd = &cobra.Command{
	Use:   "build [targets...]",
	Short: "build one or more targets (defaults to //...)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd, args, false)
	},
}

var testCmd = &cobra.Command{
	Use:   "test [targets...]",
	Short: "build and run one or more test targets (defaults to //...)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBuild(cmd, args, true)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "remove the local action cache and CAS under --cache-dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		if expired, _ := cmd.Flags().GetBool("expired"); expired {
			return runSweep(cmd)
		}
		if err := os.RemoveAll(cfg.CacheDir); err != nil {
			exitWithCode(ExitInternalError, fmt.Errorf("cli: clean: %w", err))
			return nil
		}
		fmt.Printf("removed %s\n", cfg.CacheDir)
		return nil
	},
}

func init() {
	cleanCmd.Flags().Bool("expired", false, "reclaim unreferenced CAS blobs past the retention window instead of deleting the whole cache")
	cleanCmd.Flags().Duration("retention", 24*time.Hour, "minimum age before an unreferenced blob is reclaimed (with --expired)")
}

// runSweep garbage-collects CAS blobs that no action cache entry
// references and that are older than --retention.
func runSweep(cmd *cobra.Command) error {
	log := logging.WithComponent("cli")
	retention, _ := cmd.Flags().GetDuration("retention")

	store, err := cas.New(cfg.CASDir(), log)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("cli: clean: opening CAS: %w", err))
		return nil
	}
	cache, err := actioncache.Open(actioncache.Config{
		Path:      filepath.Join(cfg.ActionsDir(), "index.db"),
		Retention: retention,
		Logger:    log,
	})
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("cli: clean: opening action cache: %w", err))
		return nil
	}
	defer cache.Close()

	removed, freed, err := cache.SweepCAS(store, time.Now())
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("cli: clean: %w", err))
		return nil
	}
	fmt.Printf("reclaimed %d blobs (%s)\n", removed, humanize.Bytes(uint64(freed)))
	return nil
}

// runBuild loads the workspace rooted at ".", plans and executes every
// target in the workspace graph, and renders the result for the targets
// named by args (or //... when args is empty) with the documented exit
// codes. args does not narrow what is built. testOnly additionally
// restricts the reported target set to graph.TargetTest targets.
func runBuild(cmd *cobra.Command, args []string, testOnly bool) error {
	log := logging.WithComponent("cli")

	ws, err := LoadWorkspace(".", cfg, log)
	if err != nil {
		exitWithCode(ExitConfigError, err)
		return nil
	}
	defer func() {
		if ws.Actions != nil {
			ws.Actions.Close()
		}
	}()

	if len(args) == 0 {
		args = []string{"//..."}
	}
	indices, err := TargetsMatchingArgs(ws.Graph, args)
	if err != nil {
		exitWithCode(ExitConfigError, err)
		return nil
	}
	if testOnly {
		indices = filterTestTargets(ws, indices)
	}

	p := planner.New(ws.Registry, log)
	plan, err := p.Plan(planner.BuildContext{SourceRoot: ws.Root, Store: ws.Store, Graph: ws.Graph})
	if err != nil {
		exitWithCode(ExitConfigError, renderAndReturn(err))
		return nil
	}

	workdir := cfg.CacheDir + "/work"
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("cli: creating sandbox workdir: %w", err))
		return nil
	}

	eng := engine.New(engine.Config{
		Parallelism: resolveJobs(cmd, cfg.Parallelism),
		NoCache:     cfg.NoCache,
		Store:       ws.Store,
		Actions:     ws.Actions,
		Remote:      ws.Remote,
		Executor:    executor.New(ws.Store, workdir, log),
	}, log)

	report, err := eng.Run(context.Background(), plan, ws.Graph)
	if err != nil {
		exitWithCode(ExitInternalError, fmt.Errorf("cli: build: %w", err))
		return nil
	}

	renderReport(report, plan, indices, ws)
	if report.Failed {
		exitWithCode(ExitBuildFailure, nil)
		return nil
	}
	return nil
}

// resolveJobs returns the --jobs flag's value when explicitly set
// (non-zero), else cfg.Parallelism, else every available CPU.
func resolveJobs(cmd *cobra.Command, fallback int) int {
	jobs, _ := cmd.Flags().GetInt("jobs")
	if jobs > 0 {
		return jobs
	}
	if fallback > 0 {
		return fallback
	}
	return runtime.NumCPU()
}

func filterTestTargets(ws *Workspace, indices []int) []int {
	var out []int
	for _, idx := range indices {
		if ws.Graph.Target(idx).Type == graph.TargetTest {
			out = append(out, idx)
		}
	}
	return out
}

// renderReport prints one line per requested target's outcome, in the
// order the targets were resolved, plus the underlying action failures
// grouped by action.
func renderReport(report *engine.Report, plan *planner.Plan, indices []int, ws *Workspace) {
	byAction := make(map[action.ActionId]engine.ActionOutcome, len(report.Outcomes))
	for _, o := range report.Outcomes {
		byAction[o.ID] = o
	}

	for _, idx := range indices {
		t := ws.Graph.Target(idx)
		status := "OK"
		for _, a := range plan.ActionsFor(idx) {
			o, ok := byAction[a.ID]
			if !ok {
				continue
			}
			if o.State == scheduler.StateFailed || o.State == scheduler.StateCancelled || o.Err != nil || o.Category != "" {
				status = "FAILED"
				break
			}
		}
		fmt.Printf("%s: %s\n", t.Name, status)
	}

	for _, o := range report.Outcomes {
		if o.Category == "" && o.Err == nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "action %s: %s: %v\n", o.ID.String()[:12], o.Category, o.Err)
	}
}

func renderAndReturn(err error) error {
	if fe, ok := err.(*ferr.Error); ok {
		fmt.Fprint(os.Stderr, fe.Render())
	}
	return err
}
