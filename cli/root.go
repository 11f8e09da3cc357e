// Package cli assembles Forge's command-line surface: a viper-bound
// cobra root command (persistent flags resolved through config.Load,
// structured logging setup, exit-code discipline) carrying the
// build/test/clean/query verbs.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forgebuild/forge/config"
	"github.com/forgebuild/forge/logging"
)

// Process exit codes.
const (
	ExitSuccess       = 0
	ExitBuildFailure  = 1
	ExitConfigError   = 2
	ExitInternalError = 3
)

var cfg config.Config

// RootCmd is Forge's cobra root command.
var RootCmd = &cobra.Command{
	Use:           "forge",
	Short:         "Forge: a polyglot hermetic build system",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
			return err
		}
		v.SetConfigName("forge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}

		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded

		logging.SetLevel(cfg.LogLevel)
		if cfg.Verbose {
			logging.SetLevel("debug")
		}
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().Bool("verbose", false, "enable verbose (debug) logging")
	RootCmd.PersistentFlags().Int("jobs", 0, "maximum concurrent actions (default: number of CPUs)")
	RootCmd.PersistentFlags().String("remote-cache", "", "remote cache backend URL (http:// or https://; s3:// is rejected)")
	RootCmd.PersistentFlags().Bool("no-cache", false, "disable the local and remote action cache")
	RootCmd.PersistentFlags().String("sandbox", string(config.SandboxStrict), "sandbox mode: strict|permissive|off")

	RootCmd.AddCommand(buildCmd, testCmd, cleanCmd, queryCmd)
}

// exitWithCode prints err (if non-nil) to stderr and terminates the
// process with code.
func exitWithCode(code int, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}
