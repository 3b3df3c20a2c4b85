package proxy

import (
	"testing"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

type fakeTransport struct {
	calls []string
	sends []string
}

func (t *fakeTransport) Invoke(action string, obj *Handle, args []interface{}, kwargs map[string]interface{}, opts Options) (interface{}, error) {
	t.calls = append(t.calls, action)
	return "result:" + action, nil
}

func (t *fakeTransport) Send(action string, obj *Handle, args []interface{}, kwargs map[string]interface{}, opts Options) {
	t.sends = append(t.sends, action)
}

func TestDeferGetattrNoRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	opts := DefaultOptions()
	opts.DeferGetattr = true
	h := New(ft, "tcp://x:1", 7, 1, "object", nil, opts)

	p1, err := h.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := p1.(*Handle).Get("y")
	if err != nil {
		t.Fatal(err)
	}
	p3, err := p2.(*Handle).Get("z")
	if err != nil {
		t.Fatal(err)
	}
	if len(ft.calls) != 0 {
		t.Fatalf("defer_getattr performed %d round trips, want 0", len(ft.calls))
	}
	got := p3.(*Handle).AttributePath()
	want := []string{"x", "y", "z"}
	if len(got) != len(want) {
		t.Fatalf("AttributePath = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("AttributePath = %v, want %v", got, want)
		}
	}

	if _, err := p3.(*Handle).Call(nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(ft.calls) != 1 {
		t.Fatalf("calling the deferred proxy performed %d round trips, want 1", len(ft.calls))
	}
}

func TestGetattrWithoutDeferRoundTrips(t *testing.T) {
	ft := &fakeTransport{}
	h := New(ft, "tcp://x:1", 7, 1, "object", nil, DefaultOptions())
	if _, err := h.Get("x"); err != nil {
		t.Fatal(err)
	}
	if len(ft.calls) != 1 || ft.calls[0] != "get_obj" {
		t.Fatalf("calls = %v, want one get_obj", ft.calls)
	}
}

func TestEquality(t *testing.T) {
	ft := &fakeTransport{}
	h1 := New(ft, "tcp://x:1", 7, 1, "object", nil, DefaultOptions())
	h2 := New(ft, "tcp://x:1", 7, 2, "object", nil, DefaultOptions())
	if h1.Key() != h2.Key() {
		t.Fatalf("two proxies to the same referent compared unequal: %v != %v", h1.Key(), h2.Key())
	}
	if h1.RefID() == h2.RefID() {
		t.Fatalf("separately issued proxies must have distinct ref_ids")
	}
	if h1.HashKey() != h2.HashKey() {
		t.Fatalf("HashKey must ignore ref_id and attribute path")
	}
}

func TestDeleteInvalidatesProxy(t *testing.T) {
	ft := &fakeTransport{}
	h := New(ft, "tcp://x:1", 7, 1, "object", nil, DefaultOptions())
	if err := h.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Get("x"); !rpcerr.Is(err, rpcerr.ProxyInvalidated) {
		t.Fatalf("use after delete = %v, want ProxyInvalidated", err)
	}
}

func TestSyncOffDoesNotBlockOrInvoke(t *testing.T) {
	ft := &fakeTransport{}
	opts := DefaultOptions()
	opts.Sync = Off
	h := New(ft, "tcp://x:1", 7, 1, "object", nil, opts)
	result, err := h.Call(nil, nil)
	if err != nil || result != nil {
		t.Fatalf("Call with sync=off returned (%v, %v), want (nil, nil)", result, err)
	}
	if len(ft.calls) != 0 || len(ft.sends) != 1 {
		t.Fatalf("calls=%v sends=%v, want 0 calls and 1 send", ft.calls, ft.sends)
	}
}

func TestAutoDeleteDisposeDoesNotReenterAttributeMachinery(t *testing.T) {
	ft := &fakeTransport{}
	opts := DefaultOptions()
	opts.AutoDelete = true
	h := New(ft, "tcp://x:1", 7, 1, "object", nil, opts)

	// dispose must not call Get/Call/Delete on h; it only calls
	// transport.Send directly. Calling it twice must not double-send or
	// panic (the disposing guard from spec §9 item 2).
	h.dispose()
	h.dispose()
	if len(ft.sends) != 1 {
		t.Fatalf("sends = %v, want exactly one delete from the disposing guard", ft.sends)
	}
}
