package bootstrap

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcserver"
	"github.com/campagnola/teleprox-sub000/teleprox/tplog"
)

// RunChild is the bootstrapped child's entry point (spec §4.5): build a
// server, report its address back to the parent over the rendezvous
// socket, install log forwarding if asked, then run forever. register is
// called with the fresh Server before it starts dispatching, so the
// caller can Publish/RegisterModule whatever it wants reachable.
func RunChild(cfg ChildConfig, register func(*rpcserver.Server)) error {
	log := newChildLogger(cfg)

	server, err := rpcserver.New("tcp://127.0.0.1:*", rpcserver.WithLogger(log))
	if err != nil {
		reportStatus(cfg, StatusReport{Token: cfg.Token, Pid: os.Getpid(), Error: tracebackLines(err)})
		return err
	}
	if register != nil {
		register(server)
	}

	status := StatusReport{Token: cfg.Token, Address: server.Address(), Pid: os.Getpid()}
	if err := reportStatusRetrying(cfg, status, 5, 200*time.Millisecond); err != nil {
		return err
	}

	server.RunForever()
	return nil
}

// tracebackLines splits an error's formatted message into the
// {error: [lines...]} shape spec §4.5/§6 specify for a failure status
// frame; Go errors carry no multi-line traceback the way a Python
// exception's formatted traceback does, so the slice holds one element
// per line of the error message.
func tracebackLines(err error) []string {
	return strings.Split(err.Error(), "\n")
}

func newChildLogger(cfg ChildConfig) *tplog.Logger {
	level := logrus.InfoLevel
	if cfg.LogLevel != "" {
		if l, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			level = l
		}
	}
	log := tplog.New(level).WithPrefix(cfg.ProcessNamePrefix)
	if cfg.LogForwardAddr != "" {
		if fn, ok := tplog.DialForward(cfg.LogForwardAddr); ok {
			log.SetForward(fn)
		}
	}
	return log
}

func reportStatus(cfg ChildConfig, report StatusReport) error {
	host := cfg.RendezvousAddr
	const scheme = "tcp://"
	if len(host) > len(scheme) && host[:len(scheme)] == scheme {
		host = host[len(scheme):]
	}
	conn, err := net.DialTimeout("tcp", host, 5*time.Second)
	if err != nil {
		return rpcerr.New(rpcerr.BootstrapFailure, "dial rendezvous %s: %v", cfg.RendezvousAddr, err)
	}
	defer conn.Close()

	b, err := json.Marshal(report)
	if err != nil {
		return rpcerr.New(rpcerr.BootstrapFailure, "marshal status report: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := fmt.Fprintf(conn, "%s\n", b); err != nil {
		return rpcerr.New(rpcerr.BootstrapFailure, "send status report: %v", err)
	}
	ack := make([]byte, 1)
	if _, err := conn.Read(ack); err != nil {
		return rpcerr.New(rpcerr.BootstrapFailure, "await rendezvous ack: %v", err)
	}
	return nil
}

// reportStatusRetrying retries reportStatus (spec §4.5's "retry-send-
// status-until-ack"): the parent's rendezvous listener accepts exactly
// one connection, so a transient dial failure (e.g. the parent hasn't
// finished calling Accept yet) is worth a few attempts before giving up.
func reportStatusRetrying(cfg ChildConfig, report StatusReport, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := reportStatus(cfg, report); err != nil {
			lastErr = err
			time.Sleep(backoff)
			continue
		}
		return nil
	}
	return lastErr
}
