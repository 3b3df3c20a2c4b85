package bootstrap

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/pborman/uuid"

	"github.com/campagnola/teleprox-sub000/teleprox/envvar"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcclient"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

// LaunchOptions configures Launch.
type LaunchOptions struct {
	Serializer        string
	ProcessNamePrefix string
	LogForwardAddr    string
	LogLevel          string
	Timeout           time.Duration
	// ClientOptions are forwarded to rpcclient.Dial once the child has
	// reported its address.
	ClientOptions []rpcclient.Option
}

// Launched is the result of a successful Launch: the running child
// process and a Client already connected to its server.
type Launched struct {
	Cmd    *exec.Cmd
	Client *rpcclient.Client
	Config ChildConfig
}

// Launch starts path(args...) as a child process, writing a ChildConfig
// as a single JSON blob on its standard input (spec §6's "Process
// bootstrap command line"), then waits up to opts.Timeout for the child
// to report its listening address over a rendezvous socket before
// dialing it (spec §4.5: "wait for status with timeout", "construct
// client").
func Launch(path string, args []string, opts LaunchOptions) (*Launched, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, rpcerr.New(rpcerr.BootstrapFailure, "open rendezvous socket: %v", err)
	}
	defer ln.Close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(envvar.LookupBootstrapTimeoutSeconds(10) * float64(time.Second))
	}

	processNamePrefix := opts.ProcessNamePrefix
	if processNamePrefix == "" {
		processNamePrefix = envvar.LookupProcessNamePrefix()
	}
	logForwardAddr := opts.LogForwardAddr
	if logForwardAddr == "" {
		logForwardAddr, _ = envvar.LookupLogForwardAddr()
	}

	cfg := ChildConfig{
		Token:             uuid.New(),
		RendezvousAddr:    "tcp://" + ln.Addr().String(),
		Serializer:        envvar.LookupSerializer(opts.Serializer),
		ProcessNamePrefix: processNamePrefix,
		LogForwardAddr:    logForwardAddr,
		LogLevel:          opts.LogLevel,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, rpcerr.New(rpcerr.BootstrapFailure, "marshal child config: %v", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Start(); err != nil {
		return nil, rpcerr.New(rpcerr.BootstrapFailure, "start child %s: %v", path, err)
	}

	report, err := awaitStatus(ln, cfg.Token, timeout)
	if err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	if len(report.Error) > 0 {
		cmd.Process.Kill()
		return nil, rpcerr.New(rpcerr.BootstrapFailure, "child (pid %d) reported error: %s", report.Pid, strings.Join(report.Error, "\n"))
	}

	client, err := rpcclient.Dial(report.Address, opts.ClientOptions...)
	if err != nil {
		cmd.Process.Kill()
		return nil, rpcerr.New(rpcerr.BootstrapFailure, "dial child at %s: %v", report.Address, err)
	}
	return &Launched{Cmd: cmd, Client: client, Config: cfg}, nil
}

func awaitStatus(ln net.Listener, token string, timeout time.Duration) (StatusReport, error) {
	if l, ok := ln.(*net.TCPListener); ok {
		l.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return StatusReport{}, rpcerr.New(rpcerr.Timeout, "no status report from child within %s: %v", timeout, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return StatusReport{}, rpcerr.New(rpcerr.BootstrapFailure, "read status report: %v", err)
	}
	var report StatusReport
	if err := json.Unmarshal([]byte(line), &report); err != nil {
		return StatusReport{}, rpcerr.New(rpcerr.BootstrapFailure, "malformed status report: %v", err)
	}
	if report.Token != token {
		return StatusReport{}, rpcerr.New(rpcerr.BootstrapFailure, "status report token mismatch")
	}
	// ack-and-close (spec §4.5): unblocks a child that is retrying its
	// send until acknowledged.
	fmt.Fprint(conn, "A")
	return report, nil
}
