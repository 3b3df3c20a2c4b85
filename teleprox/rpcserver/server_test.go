package rpcserver

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/campagnola/teleprox-sub000/teleprox/proxy"
	"github.com/campagnola/teleprox-sub000/teleprox/serialize"
	"github.com/campagnola/teleprox-sub000/teleprox/wire"
)

type calc struct{}

func (c *calc) Add(a, b int) int { return a + b }

type rawConn struct {
	conn net.Conn
	w    *bufio.Writer
	r    *bufio.Reader
}

func dialServer(t *testing.T, s *Server) *rawConn {
	t.Helper()
	addr := s.Address()[len("tcp://"):]
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{conn: conn, w: bufio.NewWriter(conn), r: bufio.NewReader(conn)}
}

func (rc *rawConn) roundTrip(t *testing.T, reqID int64, action string, opts interface{}) wire.ResponseFrame {
	t.Helper()
	codec := serialize.NewCBORCodec()
	encoded, err := codec.Encode(opts, nil)
	if err != nil {
		t.Fatalf("encode opts: %v", err)
	}
	err = wire.WriteRequest(rc.w, wire.RequestFrame{
		ReqID: reqID, Action: action, ReturnType: string(proxy.Auto),
		SerializerTag: string(serialize.CBOR), Opts: encoded,
	})
	if err != nil {
		t.Fatalf("write request: %v", err)
	}
	f, err := wire.ReadResponse(rc.r)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return f
}

func decodeRval(t *testing.T, f wire.ResponseFrame) interface{} {
	t.Helper()
	if f.HasError {
		t.Fatalf("unexpected remote error: %s: %v", f.RemoteErrType, f.RemoteErrTraceback)
	}
	if len(f.Rval) == 0 {
		return nil
	}
	codec := serialize.NewCBORCodec()
	v, err := codec.Decode(f.Rval, nil, serialize.DecodeOptions{})
	if err != nil {
		t.Fatalf("decode rval: %v", err)
	}
	return v
}

func TestPing(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(0)
	s.RunInThread()

	rc := dialServer(t, s)
	f := rc.roundTrip(t, 1, wire.ActionPing, nil)
	if decodeRval(t, f) != "pong" {
		t.Fatalf("ping reply = %v, want pong", f)
	}
}

// TestCallObjArithmetic is spec §8 scenario A: get_item, then call_obj on
// a method reached by attribute path, with plain ints round-tripping by
// value.
func TestCallObjArithmetic(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(0)
	s.RunInThread()
	s.Publish("calc", &calc{})

	rc := dialServer(t, s)

	f := rc.roundTrip(t, 1, wire.ActionGetItem, map[string]interface{}{"name": "calc"})
	h, ok := decodeRval(t, f).(*proxy.Handle)
	if !ok {
		t.Fatalf("get_item calc: got %T, want *proxy.Handle", decodeRval(t, f))
	}

	addMethod := proxy.New(nil, h.PeerAddress(), h.ObjectID(), h.RefID(), h.TypeString(), []string{"Add"}, proxy.DefaultOptions())
	f = rc.roundTrip(t, 2, wire.ActionCallObj, map[string]interface{}{
		"obj":  addMethod,
		"args": serialize.Tuple{3, 4},
	})
	got := decodeRval(t, f)
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

// TestGetObjAttributePath checks plain attribute access (no call) through
// get_obj, including a field lookup.
type holder struct{ Value int }

func TestGetObjAttributePath(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(0)
	s.RunInThread()
	s.Publish("h", &holder{Value: 42})

	rc := dialServer(t, s)
	f := rc.roundTrip(t, 1, wire.ActionGetItem, map[string]interface{}{"name": "h"})
	ph, ok := decodeRval(t, f).(*proxy.Handle)
	if !ok {
		t.Fatalf("get_item h: not a proxy handle")
	}

	valueAttr := proxy.New(nil, ph.PeerAddress(), ph.ObjectID(), ph.RefID(), ph.TypeString(), []string{"Value"}, proxy.DefaultOptions())
	f = rc.roundTrip(t, 2, wire.ActionGetObj, map[string]interface{}{"obj": valueAttr})
	if got := toInt(decodeRval(t, f)); got != 42 {
		t.Fatalf("get_obj Value = %v, want 42", got)
	}
}

// TestDeleteDropsReference is spec §8 property 4: deleting the last
// reference to an object_id removes its entry from the ref table.
func TestDeleteDropsReference(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(0)
	s.RunInThread()

	obj := &holder{Value: 1}
	objectID, refID := s.refs.getProxy(obj)
	if n := s.refs.refCount(objectID); n != 1 {
		t.Fatalf("refCount after first issue = %d, want 1", n)
	}

	rc := dialServer(t, s)
	f := rc.roundTrip(t, 1, wire.ActionDelete, map[string]interface{}{"object_id": objectID, "ref_id": refID})
	decodeRval(t, f)
	if _, ok := s.refs.resolve(objectID); ok {
		t.Fatalf("object_id %d still resolvable after delete", objectID)
	}
}

// TestCloseBroadcastsBeforeReplying is spec §8 property 6 / scenario D:
// every other connection sees a disconnect frame, and that must happen
// before (not after) the closer's own reply.
func TestCloseBroadcastsBeforeReplying(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.RunInThread()

	bystander := dialServer(t, s)
	bystander.roundTrip(t, 1, wire.ActionPing, nil) // establish lastTag before close

	closer := dialServer(t, s)

	done := make(chan wire.ResponseFrame, 1)
	go func() {
		done <- closer.roundTrip(t, 2, wire.ActionClose, nil)
	}()

	bystander.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	disc, err := wire.ReadResponse(bystander.r)
	if err != nil {
		t.Fatalf("bystander did not see disconnect: %v", err)
	}
	if disc.Action != wire.ActionDisconnect {
		t.Fatalf("bystander frame action = %q, want disconnect", disc.Action)
	}

	reply := <-done
	if reply.HasError || decodeRval(t, reply) != true {
		t.Fatalf("close reply = %+v, want true/no error", reply)
	}
}

// TestCloseIsIdempotent exercises spec §9's close()-then-kill() race: a
// second Close must not panic or double-close the stopped channel.
func TestCloseIsIdempotent(t *testing.T) {
	s, err := New("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close(0)
	s.Close(0)
}
