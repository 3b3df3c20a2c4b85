package rpcerr

import (
	"errors"
	"testing"
)

func TestIs(t *testing.T) {
	err := New(Timeout, "waited %d seconds", 5)
	if !Is(err, Timeout) {
		t.Fatalf("Is(err, Timeout) = false, want true")
	}
	if Is(err, PeerGone) {
		t.Fatalf("Is(err, PeerGone) = true, want false")
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	sentinel := New(PeerGone, "")
	err := New(PeerGone, "socket closed")
	if !errors.Is(err, sentinel) {
		t.Fatalf("errors.Is did not match same-kind sentinel")
	}
	other := New(Timeout, "")
	if errors.Is(err, other) {
		t.Fatalf("errors.Is matched different-kind sentinel")
	}
}

func TestNewRemoteCall(t *testing.T) {
	err := NewRemoteCall("AttributeError", []string{"Traceback (most recent call last):", "AttributeError: no such attr"})
	if IDOf(err) != RemoteCall {
		t.Fatalf("IDOf = %v, want RemoteCall", IDOf(err))
	}
	if err.TypeName != "AttributeError" {
		t.Fatalf("TypeName = %q", err.TypeName)
	}
}
