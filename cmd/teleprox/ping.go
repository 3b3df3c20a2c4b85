package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/campagnola/teleprox-sub000/teleprox/envvar"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcclient"
	"github.com/campagnola/teleprox-sub000/teleprox/serialize"
)

func newPingCmd() *cobra.Command {
	var timeoutSeconds float64
	cmd := &cobra.Command{
		Use:   "ping <address>",
		Short: "Ping a running teleprox server and report round-trip latency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := serialize.Tag(envvar.LookupSerializer(string(serialize.CBOR)))
			c, err := rpcclient.Dial(args[0], rpcclient.WithSerializer(tag))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds*float64(time.Second)))
			defer cancel()
			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				return err
			}
			fmt.Printf("pong from %s in %s\n", c.Address(), time.Since(start))
			return nil
		},
	}
	cmd.Flags().Float64Var(&timeoutSeconds, "timeout", 5, "timeout in seconds")
	return cmd
}
