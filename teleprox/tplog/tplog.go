// Package tplog is the ambient logging layer shared by the client, server
// and bootstrap packages. It wraps a *logrus.Logger the way the teacher's
// apilog package wraps every RPC entry point with a call/return decorator
// (see the `defer apilog.LogCallf(...)` lines in xclient.go and
// xserver.go): LogCall logs entry immediately and returns a closure that
// logs the outcome, meant to be used with `defer`.
package tplog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the shared logger type; call New to build one.
type Logger struct {
	*logrus.Logger
	// forward, when non-nil, receives the fields of every LogCall entry
	// and exit record in addition to the normal logrus output; other
	// log calls are not forwarded. This is the hook spec §1 and
	// §4.5 call the "log endpoint": the actual transport/formatting of
	// forwarded records is an external collaborator out of scope here.
	forward func(logrus.Fields)
	// prefix, when non-empty, is attached to every LogCall record as
	// spec §4.5's "process-name prefix" step (see WithPrefix).
	prefix string
}

// New builds a Logger. Output defaults to a TTY-aware text formatter,
// matching the way the teacher's own cmd/sb/shell.go picks a colored
// vs. plain mode based on isatty.IsTerminal before printing anything.
func New(level logrus.Level) *Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:   isatty.IsTerminal(os.Stdout.Fd()),
		FullTimestamp: true,
	})
	return &Logger{Logger: l}
}

// SetForward installs the log-endpoint forwarding hook (spec §4.5's
// "log endpoint" process config field). Passing nil disables forwarding.
func (l *Logger) SetForward(fn func(logrus.Fields)) {
	l.forward = fn
}

// WithPrefix returns a Logger that tags every LogCall record with a
// "prefix" field, the bootstrapped-child analogue of spec §4.5's
// "apply process-name prefix" step: Go has no portable way to rewrite
// argv0/the process title the way some platforms allow, so the prefix
// is carried in the log stream instead. A blank prefix is a no-op.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if prefix == "" {
		return l
	}
	return &Logger{Logger: l.Logger, forward: l.forward, prefix: prefix}
}

// DialForward dials the tcp:// log-forwarding sink at addr and, on
// success, returns a func suitable for SetForward: one JSON-encoded
// line per record (spec §9 item 8's pluggable log forwarder). A dial
// failure is non-fatal -- returns ok=false -- since logging must never
// be what brings a server down.
func DialForward(addr string) (fn func(logrus.Fields), ok bool) {
	host := addr
	const scheme = "tcp://"
	if strings.HasPrefix(host, scheme) {
		host = strings.TrimPrefix(host, scheme)
	}
	conn, err := net.DialTimeout("tcp", host, 2*time.Second)
	if err != nil {
		return nil, false
	}
	return func(fields logrus.Fields) {
		b, err := json.Marshal(fields)
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprintf(conn, "%s\n", b)
	}, true
}

func mergePrefix(fields logrus.Fields, prefix string) logrus.Fields {
	merged := logrus.Fields{"prefix": prefix}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

func (l *Logger) emit(fields logrus.Fields) {
	if l.forward != nil {
		l.forward(fields)
	}
}

// LogCall logs entry to op with the given fields and returns a closure
// that logs its exit, recording the error if any. Use as:
//
//	done := log.LogCall("Client.send", logrus.Fields{"action": action})
//	defer func() { done(err) }()
func (l *Logger) LogCall(op string, fields logrus.Fields) func(err error) {
	if l.prefix != "" {
		fields = mergePrefix(fields, l.prefix)
	}
	entry := l.WithFields(fields)
	entry.Debugf("> %s", op)
	f := logrus.Fields{"op": op}
	for k, v := range fields {
		f[k] = v
	}
	l.emit(f)
	return func(err error) {
		if err != nil {
			entry.WithError(err).Debugf("< %s (error)", op)
			f["error"] = err.Error()
		} else {
			entry.Debugf("< %s", op)
		}
		l.emit(f)
	}
}
