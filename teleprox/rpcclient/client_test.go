package rpcclient

import (
	"context"
	"testing"
	"time"

	"github.com/campagnola/teleprox-sub000/teleprox/proxy"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
	"github.com/campagnola/teleprox-sub000/teleprox/rpcserver"
)

type echoer struct{}

func (echoer) Echo(s string) string { return s }
func (echoer) Add(a, b int) int     { return a + b }

func startTestServer(t *testing.T) *rpcserver.Server {
	t.Helper()
	s, err := rpcserver.New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("rpcserver.New: %v", err)
	}
	s.RunInThread()
	t.Cleanup(func() { s.Close(0) })
	return s
}

func TestPingRoundTrip(t *testing.T) {
	s := startTestServer(t)
	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// TestGetItemAndCall is spec §8 scenario A end to end through the real
// client: get_item to fetch a published object, then call one of its
// methods through the returned ProxyHandle.
func TestGetItemAndCall(t *testing.T) {
	s := startTestServer(t)
	s.Publish("svc", &echoer{})

	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rval, err := c.GetItem(ctx, "svc", proxy.DefaultOptions())
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	svc, ok := rval.(*proxy.Handle)
	if !ok {
		t.Fatalf("GetItem svc: got %T, want *proxy.Handle", rval)
	}

	addAttr, err := svc.Get("Add")
	if err != nil {
		t.Fatalf("Get Add: %v", err)
	}
	addMethod, ok := addAttr.(*proxy.Handle)
	if !ok {
		t.Fatalf("Get Add: result %T is not callable through a proxy", addAttr)
	}
	got, err := addMethod.Call([]interface{}{3, 4}, nil)
	if err != nil {
		t.Fatalf("Call Add(3, 4): %v", err)
	}
	if toInt(got) != 7 {
		t.Fatalf("Add(3, 4) = %v, want 7", got)
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	default:
		return -1
	}
}

// TestDeferGetattrCallIsOneRoundTrip is spec §3/§4.2: a DeferGetattr
// proxy's Get makes no round trip at all; only the subsequent Call does.
func TestDeferGetattrCallIsOneRoundTrip(t *testing.T) {
	s := startTestServer(t)
	s.Publish("svc", &echoer{})

	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	opts := proxy.DefaultOptions()
	opts.DeferGetattr = true
	opts.TimeoutSeconds = 2
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rval, err := c.GetItem(ctx, "svc", proxy.DefaultOptions())
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	svc := rval.(*proxy.Handle)
	deferred := proxy.New(c, svc.PeerAddress(), svc.ObjectID(), svc.RefID(), svc.TypeString(), nil, opts)

	child, err := deferred.Get("Echo")
	if err != nil {
		t.Fatalf("deferred Get: %v", err)
	}
	ch, ok := child.(*proxy.Handle)
	if !ok {
		t.Fatalf("deferred Get returned %T, want *proxy.Handle built locally", child)
	}
	// A get_obj round trip would return a freshly issued proxy with its
	// own object_id and an empty path; a locally built one extends svc's.
	if p := ch.AttributePath(); len(p) != 1 || p[0] != "Echo" || ch.ObjectID() != svc.ObjectID() {
		t.Fatalf("deferred Get = object %d path %v, want object %d path [Echo]", ch.ObjectID(), p, svc.ObjectID())
	}
	got, err := ch.Call([]interface{}{"hi"}, nil)
	if err != nil {
		t.Fatalf("Call Echo: %v", err)
	}
	if got != "hi" {
		t.Fatalf("Echo(hi) = %v, want hi", got)
	}
}

// TestDisconnectPropagates is spec §8 property 6: closing the server
// reaches a client blocked on nothing in particular -- a subsequent call
// must fail with PeerGone rather than hang.
func TestDisconnectPropagates(t *testing.T) {
	s, err := rpcserver.New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("rpcserver.New: %v", err)
	}
	s.RunInThread()

	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	s.Close(0)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Disconnected() != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.Disconnected() == nil {
		t.Fatalf("client did not observe disconnect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ping(ctx); !rpcerr.Is(err, rpcerr.PeerGone) {
		t.Fatalf("Ping after disconnect = %v, want rpcerr.PeerGone", err)
	}
}

// TestEstimateClockOffset exercises the clock-offset helper against a
// same-process server, where the true offset is ~0.
func TestEstimateClockOffset(t *testing.T) {
	s := startTestServer(t)
	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	opts := proxy.DefaultOptions()
	opts.DeferGetattr = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rval, err := c.GetItem(ctx, "self", proxy.DefaultOptions())
	if err != nil {
		t.Fatalf("GetItem self: %v", err)
	}
	self := rval.(*proxy.Handle)
	deferredSelf := proxy.New(c, self.PeerAddress(), self.ObjectID(), self.RefID(), self.TypeString(), nil, opts)

	offset, err := c.EstimateClockOffset(ctx, deferredSelf, 3)
	if err != nil {
		t.Fatalf("EstimateClockOffset: %v", err)
	}
	if offset < -time.Second || offset > time.Second {
		t.Fatalf("offset = %v, want roughly 0 for a same-process peer", offset)
	}
}

// TestSelfIndexRoutesToGetItem is spec §4.2: indexing the server's own
// "self" proxy must map to get_item/set_item on the namespace, not
// call_obj("__getitem__"/"__setitem__") against the Server value itself.
func TestSelfIndexRoutesToGetItem(t *testing.T) {
	s := startTestServer(t)
	s.Publish("svc", &echoer{})

	c, err := Dial(s.Address())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rval, err := c.GetItem(ctx, "self", proxy.DefaultOptions())
	if err != nil {
		t.Fatalf("GetItem self: %v", err)
	}
	self, ok := rval.(*proxy.Handle)
	if !ok {
		t.Fatalf("GetItem self: got %T, want *proxy.Handle", rval)
	}
	if self.TypeString() != "self" {
		t.Fatalf("self proxy TypeString() = %q, want %q", self.TypeString(), "self")
	}

	got, err := self.Index("svc")
	if err != nil {
		t.Fatalf("Index(svc): %v", err)
	}
	if _, ok := got.(*proxy.Handle); !ok {
		t.Fatalf("Index(svc) = %T, want *proxy.Handle", got)
	}
}
