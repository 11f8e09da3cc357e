// Command forge is the CLI entry point for Forge, a polyglot hermetic
// build system: it wires the cobra command tree in the cli package and
// exits with cli.ExitConfigError when the command tree returns an error.
// Subcommands that pick another exit code exit on their own.
package main

import (
	"fmt"
	"os"

	"github.com/forgebuild/forge/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitConfigError)
	}
}
