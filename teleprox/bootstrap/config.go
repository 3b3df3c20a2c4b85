// Package bootstrap implements component C5 (spec §4.5): launching a
// teleprox server in a child process and rendezvousing with it so the
// parent ends up holding a live rpcclient.Client, without either side
// needing a fixed, pre-agreed listen address.
package bootstrap

// ChildConfig is the JSON payload a parent passes its spawned child (spec
// §4.5's "child process spawn with JSON config payload"). Spec §6 is
// explicit that the child reads this blob from its standard input,
// rather than a command-line flag or an inherited environment variable.
type ChildConfig struct {
	// Token correlates a parent/child pair across logs; it has no
	// protocol meaning.
	Token string `json:"token"`
	// RendezvousAddr is the parent's one-shot tcp:// listener the child
	// reports its own address back to.
	RendezvousAddr string `json:"rendezvous_addr"`
	// Serializer records the parent's default wire codec (spec §4.1).
	// RunChild does not read it: the child's server replies in whichever
	// codec each request arrives in.
	Serializer string `json:"serializer"`
	// ProcessNamePrefix is attached to the child's log records (spec
	// §4.5 step "apply process-name prefix"); the process title itself
	// is not changed.
	ProcessNamePrefix string `json:"process_name_prefix,omitempty"`
	// LogForwardAddr, if set, is a tcp:// address the child should
	// stream its log records to (spec §9 item 8).
	LogForwardAddr string `json:"log_forward_addr,omitempty"`
	// LogLevel is the logrus level name the child's logger should use.
	LogLevel string `json:"log_level,omitempty"`
}

// StatusReport is the single JSON line a child writes back over the
// rendezvous connection once its server is listening (or once it has
// given up trying): spec §4.5/§6's bootstrap status frame, either
// {address, pid} on success or {error: [lines...], pid} on failure.
type StatusReport struct {
	Token   string   `json:"token"`
	Address string   `json:"address,omitempty"`
	Pid     int      `json:"pid"`
	Error   []string `json:"error,omitempty"`
}
