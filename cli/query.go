package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/graph"
)

var queryCmd = &cobra.Command{
	Use:   "query <pattern>",
	Short: "list targets matching a pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := LoadWorkspace(".", cfg, nil)
		if err != nil {
			exitWithCode(ExitConfigError, err)
			return nil
		}
		matches := QueryGraph(ws.Graph, args[0])
		for _, idx := range matches {
			fmt.Println(ws.Graph.Target(idx).Name)
		}
		return nil
	},
}

// QueryGraph resolves pattern against g's Target names, supporting three
// pattern forms:
//   - "//..." matches every target in the graph
//   - "//pkg:*" matches every target in package "pkg"
//   - anything else matches by substring against the full target name, or
//     exactly if pattern is itself a well-formed "//pkg:name" target.
func QueryGraph(g *graph.BuildGraph, pattern string) []int {
	var out []int
	switch {
	case pattern == "//...":
		for i := 0; i < g.Len(); i++ {
			out = append(out, i)
		}
	case strings.HasSuffix(pattern, ":*"):
		pkg := strings.TrimSuffix(pattern, ":*")
		for i := 0; i < g.Len(); i++ {
			if targetPackage(g.Target(i).Name) == pkg {
				out = append(out, i)
			}
		}
	default:
		if idx, ok := g.IndexOf(pattern); ok {
			return []int{idx}
		}
		for i := 0; i < g.Len(); i++ {
			if strings.Contains(g.Target(i).Name, pattern) {
				out = append(out, i)
			}
		}
	}
	return out
}

func targetPackage(name string) string {
	if i := strings.LastIndex(name, ":"); i >= 0 {
		return name[:i]
	}
	return name
}
