// Command teleprox is the bootstrap child binary and a small operator
// CLI for the teleprox RPC runtime (spec §4.5, §6 "process bootstrap
// command line"). It is built with cobra the way gravitational's
// teleport CLI structures its tctl/tsh subcommands: one root command,
// one file per verb.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	root := &cobra.Command{
		Use:   "teleprox",
		Short: "Cross-process object-proxy RPC runtime",
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "logrus level (debug, info, warn, error)")
	root.AddCommand(newServeCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newPingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
