package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/campagnola/teleprox-sub000/teleprox/envvar"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcserver"
	"github.com/campagnola/teleprox-sub000/teleprox/tplog"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a standalone teleprox server until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logrus.InfoLevel
			if l, err := logrus.ParseLevel(envvar.LookupLogLevel(logLevel)); err == nil {
				level = l
			}
			log := tplog.New(level).WithPrefix(envvar.LookupProcessNamePrefix())
			if forwardAddr, ok := envvar.LookupLogForwardAddr(); ok {
				if fn, ok := tplog.DialForward(forwardAddr); ok {
					log.SetForward(fn)
				}
			}

			s, err := rpcserver.New(addr, rpcserver.WithLogger(log))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "listening on %s\n", s.Address())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				s.Close(500 * time.Millisecond)
			}()
			s.RunForever()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "tcp://127.0.0.1:*", "address to listen on")
	return cmd
}
