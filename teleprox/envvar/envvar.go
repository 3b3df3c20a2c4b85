// Package envvar defines the environment variables a teleprox process
// reads at startup (spec §6 "Environment knobs"), mirroring the shape of
// the teacher's own envvar package: named constants plus small typed
// accessors, rather than scattering os.Getenv calls through the
// bootstrap and server packages.
package envvar

import (
	"os"
	"strconv"
	"strings"
)

const (
	// ProcessNamePrefix, if set, is attached to the log records of the
	// serve command and of a launched child (spec §4.5's "process-name
	// prefix" step); no process title is changed.
	ProcessNamePrefix = "TELEPROX_PROCESS_NAME_PREFIX"

	// Serializer selects the default wire codec ("cbor" or "json", spec
	// §4.1) the ping command's client uses, and is copied into a launched
	// child's ChildConfig.Serializer, when nothing more specific
	// overrides it.
	Serializer = "TELEPROX_SERIALIZER"

	// LogForwardAddr, if set, is the tcp:// address of a log-forwarding
	// sink a bootstrapped child should install (spec §9 item 8's
	// "pluggable, not mandatory" log forwarder).
	LogForwardAddr = "TELEPROX_LOG_FORWARD_ADDR"

	// LogLevel overrides the logrus level name ("debug", "info", "warn",
	// "error") the serve command logs at, taking precedence over its
	// --log-level flag. A bootstrapped child takes its level from
	// ChildConfig.LogLevel instead.
	LogLevel = "TELEPROX_LOG_LEVEL"

	// BootstrapTimeoutSeconds overrides how long a parent launcher waits
	// for a spawned child to report its listening address over the
	// rendezvous socket before giving up (spec §4.5).
	BootstrapTimeoutSeconds = "TELEPROX_BOOTSTRAP_TIMEOUT_SECONDS"
)

// LookupSerializer returns the TELEPROX_SERIALIZER value, or fallback if
// unset or empty.
func LookupSerializer(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(Serializer)); v != "" {
		return v
	}
	return fallback
}

// LookupProcessNamePrefix returns the TELEPROX_PROCESS_NAME_PREFIX value,
// or "" if unset.
func LookupProcessNamePrefix() string {
	return os.Getenv(ProcessNamePrefix)
}

// LookupLogForwardAddr returns the TELEPROX_LOG_FORWARD_ADDR value and
// whether it was set at all.
func LookupLogForwardAddr() (string, bool) {
	v, ok := os.LookupEnv(LogForwardAddr)
	return v, ok && v != ""
}

// LookupLogLevel returns the TELEPROX_LOG_LEVEL value, or fallback if
// unset or empty.
func LookupLogLevel(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(LogLevel)); v != "" {
		return v
	}
	return fallback
}

// LookupBootstrapTimeoutSeconds returns the parsed
// TELEPROX_BOOTSTRAP_TIMEOUT_SECONDS value, or fallback if unset or
// unparsable.
func LookupBootstrapTimeoutSeconds(fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(BootstrapTimeoutSeconds))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
