package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/campagnola/teleprox-sub000/teleprox/bootstrap"
)

// newBootstrapCmd implements spec §6's "Process bootstrap command line":
// the bootstrap binary accepts a single JSON blob on standard input
// containing the ChildConfig fields, rather than a command-line flag.
func newBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "bootstrap",
		Short:  "Run as a bootstrapped child server (internal; spawned by a teleprox parent process)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			var cfg bootstrap.ChildConfig
			if err := json.Unmarshal(payload, &cfg); err != nil {
				return err
			}
			return bootstrap.RunChild(cfg, nil)
		},
	}
	return cmd
}
