// Package rpcserver implements the RPC server (spec §4.4): namespace,
// proxy reference table (the lifetime manager, C7, lives in reftable.go),
// action dispatch, return-type policy and the close protocol. Dispatch is
// funneled through a single goroutine reading off an inbound channel,
// which is this module's equivalent of the teacher's single dispatch
// thread serializing all state mutation (compare xserver.go's xserver,
// whose fields are only ever touched while s.Lock() is held / from the
// accept and listen loops it owns).
package rpcserver

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/campagnola/teleprox-sub000/teleprox/proxy"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
	"github.com/campagnola/teleprox-sub000/teleprox/serialize"
	"github.com/campagnola/teleprox-sub000/teleprox/tplog"
	"github.com/campagnola/teleprox-sub000/teleprox/wire"
)

var _ serialize.ServerContext = (*Server)(nil)

// Server owns one listening endpoint, one namespace and one reference
// table (spec §3, §4.4).
type Server struct {
	codecs *serialize.Registry
	log    *tplog.Logger

	ns   *namespace
	refs *refTable

	listener net.Listener
	address  string // this server's own bound peer address, e.g. "tcp://host:port"

	reqCh chan inboundMsg

	mu       sync.Mutex
	closed   bool
	conns    map[*serverConn]struct{}
	stopped  chan struct{}
	modules  map[string]interface{}
	onUnhandled func(error)
}

type inboundMsg struct {
	conn  *serverConn
	frame wire.RequestFrame
}

type serverConn struct {
	conn    net.Conn
	w       *bufio.Writer
	wmu     sync.Mutex
	lastTag string
	closed  bool
}

func (c *serverConn) writeResponse(f wire.ResponseFrame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	return wire.WriteResponse(c.w, f)
}

// Option configures a Server at construction.
type Option func(*Server)

// WithLogger installs a logger; the zero value logs nothing interesting
// but never panics.
func WithLogger(l *tplog.Logger) Option { return func(s *Server) { s.log = l } }

// WithUnhandledExceptionHook installs the hook spec §7 calls out for
// errors raised dispatching a fire-and-forget (sync=off) request: there
// is no Future to fail, so the error goes here instead, matching
// spec §9 item 8's "pluggable, not mandatory" log-forwarding adapter.
func WithUnhandledExceptionHook(fn func(error)) Option {
	return func(s *Server) { s.onUnhandled = fn }
}

// New binds address ("tcp://host:port", with port "*" for an ephemeral
// port) and returns an unstarted Server. Call a Run* method to begin
// dispatch.
func New(address string, opts ...Option) (*Server, error) {
	host, port, err := parseTCPAddress(address)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, rpcerr.New(rpcerr.ConnectionRefused, "listen on %s: %v", address, err)
	}
	s := &Server{
		codecs:   serialize.NewRegistry(),
		ns:       newNamespace(),
		refs:     newRefTable(),
		listener: ln,
		address:  "tcp://" + ln.Addr().String(),
		reqCh:    make(chan inboundMsg, 64),
		conns:    make(map[*serverConn]struct{}),
		stopped:  make(chan struct{}),
		modules:  make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ns.set(SelfKey, s)
	go s.acceptLoop()
	return s, nil
}

func parseTCPAddress(address string) (host, port string, err error) {
	const scheme = "tcp://"
	if !strings.HasPrefix(address, scheme) {
		return "", "", rpcerr.New(rpcerr.BadOptions, "unsupported endpoint scheme in %q (only tcp:// is implemented)", address)
	}
	hostport := strings.TrimPrefix(address, scheme)
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		// Bare "tcp://*" with no colon at all.
		h, p = hostport, "0"
	}
	if p == "*" {
		p = "0"
	}
	if h == "" {
		h = "127.0.0.1"
	}
	return h, p, nil
}

// Address is this server's own bound peer address (serialize.ServerContext).
func (s *Server) Address() string { return s.address }

// Resolve implements serialize.ServerContext: it walks attributePath from
// the referent registered under objectID.
func (s *Server) Resolve(objectID int64, attributePath []string) (interface{}, error) {
	v, ok := s.refs.resolve(objectID)
	if !ok {
		return nil, rpcerr.New(rpcerr.ProxyInvalidated, "no referent registered for object_id %d", objectID)
	}
	return resolvePath(v, attributePath)
}

// RegisterProxy implements serialize.ServerContext and spec §4.4's
// get_proxy: it allocates (or reuses) an object_id for v and returns a
// freshly issued proxy.Handle for it.
func (s *Server) RegisterProxy(v interface{}) (interface{}, error) {
	objectID, refID := s.refs.getProxy(v)
	typeString := fmt.Sprintf("%T", v)
	if srv, ok := v.(*Server); ok && srv == s {
		// The server's own "self" namespace entry is tagged with the
		// literal type string proxy.Handle.isNamespaceSelf checks for,
		// so Index/SetIndex against it route to get_item/set_item
		// instead of call_obj("__getitem__"/"__setitem__") (spec §4.2).
		typeString = SelfKey
	}
	return proxy.New(nil, s.address, objectID, refID, typeString, nil, proxy.DefaultOptions()), nil
}

// Publish sets namespace[key] = value (spec §3's namespace).
func (s *Server) Publish(key string, value interface{}) { s.ns.set(key, value) }

// Unpublish removes namespace[key].
func (s *Server) Unpublish(key string) { s.ns.delete(key) }

// Now returns this server's current time. It is published on the self
// object purely so teleprox/rpcclient.Client.EstimateClockOffset has
// something to call_obj against; the original's measure_clock_diff made
// the same kind of round trip against the peer's clock directly.
func (s *Server) Now() time.Time { return time.Now() }

// RegisterModule exposes value under name for the "import" action (spec
// §4.4). Go has no dynamic module import; this is the documented
// Go-idiomatic stand-in -- the server process registers whatever values
// it wants importable ahead of time.
func (s *Server) RegisterModule(name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[name] = value
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, w: bufio.NewWriter(conn)}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		go s.readLoop(sc)
	}
}

func (s *Server) readLoop(sc *serverConn) {
	r := bufio.NewReader(sc.conn)
	defer s.forgetConn(sc)
	for {
		f, err := wire.ReadRequest(r)
		if err != nil {
			return
		}
		sc.lastTag = f.SerializerTag
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			continue
		}
		s.reqCh <- inboundMsg{conn: sc, frame: f}
	}
}

func (s *Server) forgetConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
	sc.conn.Close()
}

// RunForever starts the single dispatch goroutine and blocks until the
// server is closed (spec §4.4's run_forever mode).
func (s *Server) RunForever() {
	s.dispatchLoop()
}

// RunInThread starts the dispatch goroutine in the background and
// returns immediately (spec §4.4's run_in_thread mode).
func (s *Server) RunInThread() {
	go s.dispatchLoop()
}

// RunLazy registers no dispatch goroutine at all: dispatch only happens
// when something calls ProcessOne, typically the cooperative scheduler
// in teleprox/sched while a same-thread client blocks on a Future (spec
// §4.4's run_lazy mode, spec §4.6).
func (s *Server) RunLazy() {}

func (s *Server) dispatchLoop() {
	for {
		select {
		case <-s.stopped:
			return
		case m := <-s.reqCh:
			s.dispatchOne(m)
		}
	}
}

// ProcessOne services at most one pending request before deadline,
// returning true if it processed one. This is the hook main-thread
// dispatch mode and teleprox/sched's reentrancy poller call directly
// instead of running a dedicated dispatch goroutine (spec §4.4's
// main-thread-dispatch mode, spec §4.6).
func (s *Server) ProcessOne(deadline time.Time) bool {
	timeout := time.Until(deadline)
	if timeout < 0 {
		timeout = 0
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-s.reqCh:
		s.dispatchOne(m)
		return true
	case <-t.C:
		return false
	case <-s.stopped:
		return false
	}
}

func (s *Server) dispatchOne(m inboundMsg) {
	f := m.frame
	if s.log != nil {
		done := s.log.LogCall("rpcserver.dispatch", logrus.Fields{"action": f.Action, "req_id": f.ReqID})
		defer func() { done(nil) }()
	}
	codec, err := s.codecs.Get(serialize.Tag(f.SerializerTag))
	if err != nil {
		s.reply(m.conn, f, nil, err)
		return
	}

	result, err := s.invoke(f.Action, f.Opts, codec)

	if f.ReqID == -1 {
		if err != nil && s.onUnhandled != nil {
			s.onUnhandled(err)
		}
		return
	}

	if f.Action == wire.ActionClose {
		// spec §4.4: broadcast disconnect to every other client first,
		// THEN reply true to the caller of close, then tear the
		// listener down after a grace period.
		s.broadcastDisconnect(m.conn)
		s.reply(m.conn, f, result, err)
		s.scheduleListenerShutdown(200 * time.Millisecond)
		return
	}

	if err == nil && f.ReturnType == string(proxy.AsProxy) {
		result = serialize.ForceProxy{Value: result}
	}
	s.reply(m.conn, f, result, err)
}

func (s *Server) reply(conn *serverConn, f wire.RequestFrame, result interface{}, callErr error) {
	codec, codecErr := s.codecs.Get(serialize.Tag(f.SerializerTag))
	if codecErr != nil {
		codec = nil
	}

	if callErr != nil {
		typeName, traceback := errorDetails(callErr)
		conn.writeResponse(wire.ResponseFrame{
			Action:             wire.ActionReturn,
			ReqID:              f.ReqID,
			SerializerTag:      f.SerializerTag,
			HasError:           true,
			RemoteErrType:      typeName,
			RemoteErrTraceback: traceback,
		})
		return
	}

	var rval []byte
	if codec != nil {
		encoded, err := codec.Encode(result, s)
		if err != nil {
			typeName, traceback := errorDetails(err)
			conn.writeResponse(wire.ResponseFrame{
				Action: wire.ActionReturn, ReqID: f.ReqID, SerializerTag: f.SerializerTag,
				HasError: true, RemoteErrType: typeName, RemoteErrTraceback: traceback,
			})
			return
		}
		rval = encoded
	}
	conn.writeResponse(wire.ResponseFrame{
		Action: wire.ActionReturn, ReqID: f.ReqID, SerializerTag: f.SerializerTag, Rval: rval,
	})
}

func errorDetails(err error) (typeName string, traceback []string) {
	if e, ok := err.(*rpcerr.Error); ok && e.TypeName != "" {
		return e.TypeName, e.Traceback
	}
	return fmt.Sprintf("%T", err), []string{err.Error()}
}

func (s *Server) invoke(action string, opts []byte, codec serialize.Codec) (interface{}, error) {
	decoded, err := codec.Decode(opts, s, serialize.DecodeOptions{})
	if err != nil && len(opts) > 0 {
		return nil, rpcerr.New(rpcerr.BadOptions, "malformed opts: %v", err)
	}
	m, _ := decoded.(map[string]interface{})

	switch action {
	case wire.ActionPing:
		return "pong", nil

	case wire.ActionClose:
		return true, nil

	case wire.ActionGetObj:
		obj, ok := m["obj"]
		if !ok {
			return nil, rpcerr.New(rpcerr.BadOptions, "get_obj requires \"obj\"")
		}
		return obj, nil

	case wire.ActionCallObj:
		obj, ok := m["obj"]
		if !ok {
			return nil, rpcerr.New(rpcerr.BadOptions, "call_obj requires \"obj\"")
		}
		args, _ := m["args"].(serialize.Tuple)
		if args == nil {
			if raw, ok := m["args"].([]interface{}); ok {
				args = serialize.Tuple(raw)
			}
		}
		kwargs, _ := m["kwargs"].(map[string]interface{})
		callArgs := []interface{}(args)
		if len(kwargs) > 0 {
			callArgs = append(append([]interface{}{}, callArgs...), kwargs)
		}
		return callValue(obj, callArgs)

	case wire.ActionGetItem:
		name, _ := m["name"].(string)
		v, ok := s.ns.get(name)
		if !ok {
			return nil, rpcerr.New(rpcerr.BadOptions, "no such namespace entry %q", name)
		}
		return v, nil

	case wire.ActionSetItem:
		name, _ := m["name"].(string)
		s.ns.set(name, m["value"])
		return nil, nil

	case wire.ActionDelete:
		objectID := asInt64(m["object_id"])
		refID := asInt64(m["ref_id"])
		s.refs.deleteRef(objectID, refID)
		return nil, nil

	case wire.ActionImport:
		name, _ := m["name"].(string)
		s.mu.Lock()
		mod, ok := s.modules[name]
		s.mu.Unlock()
		if !ok {
			return nil, rpcerr.NewRemoteCall("ImportError", []string{"ImportError: no module named '" + name + "'"})
		}
		if fromlist, ok := m["fromlist"].([]interface{}); ok && len(fromlist) > 0 {
			out := make(map[string]interface{}, len(fromlist))
			for _, fi := range fromlist {
				name, _ := fi.(string)
				v, err := resolveOne(mod, name)
				if err != nil {
					return nil, err
				}
				out[name] = v
			}
			return out, nil
		}
		return mod, nil

	default:
		return nil, rpcerr.New(rpcerr.BadAction, "unknown action %q", action)
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// Close runs the close protocol (spec §4.4): reject further dispatch,
// broadcast disconnect to every connection this server has seen, then
// close the listener after a short grace period. Idempotent, since spec
// §9 notes a close()-then-kill() race must not double-act.
func (s *Server) Close(grace time.Duration) {
	s.broadcastDisconnect(nil)
	s.scheduleListenerShutdown(grace)
}

// broadcastDisconnect marks the server closed and sends an unsolicited
// disconnect frame to every connection except exclude (the caller of
// close, who gets an ordinary reply instead). Best-effort: a write that
// fails because the peer already vanished is ignored (spec §7's
// shutdown-race note).
func (s *Server) broadcastDisconnect(exclude *serverConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		if c != exclude {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		tag := c.lastTag
		if tag == "" {
			tag = string(serialize.CBOR)
		}
		c.writeResponse(wire.ResponseFrame{Action: wire.ActionDisconnect, SerializerTag: tag})
	}
}

func (s *Server) scheduleListenerShutdown(grace time.Duration) {
	time.AfterFunc(grace, func() {
		s.listener.Close()
		s.mu.Lock()
		select {
		case <-s.stopped:
		default:
			close(s.stopped)
		}
		for c := range s.conns {
			c.closed = true
			c.conn.Close()
		}
		s.mu.Unlock()
	})
}
