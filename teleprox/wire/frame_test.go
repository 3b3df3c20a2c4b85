package wire

import (
	"bufio"
	"bytes"
	"reflect"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	want := RequestFrame{ReqID: 42, Action: ActionCallObj, ReturnType: "auto", SerializerTag: "cbor", Opts: []byte("payload")}
	if err := WriteRequest(w, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRequest(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestFireAndForgetReqID(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	want := RequestFrame{ReqID: -1, Action: ActionDelete, ReturnType: "auto", SerializerTag: "json"}
	if err := WriteRequest(w, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadRequest(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if got.ReqID != -1 {
		t.Fatalf("ReqID = %d, want -1", got.ReqID)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	want := ResponseFrame{Action: ActionReturn, ReqID: 7, SerializerTag: "cbor", Rval: []byte("rv")}
	if err := WriteResponse(w, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestResponseWithRemoteError(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	want := ResponseFrame{
		Action:             ActionReturn,
		ReqID:              7,
		SerializerTag:      "cbor",
		HasError:           true,
		RemoteErrType:      "AttributeError",
		RemoteErrTraceback: []string{"line1", "line2"},
	}
	if err := WriteResponse(w, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDisconnectFrame(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteResponse(w, ResponseFrame{Action: ActionDisconnect}); err != nil {
		t.Fatal(err)
	}
	got, err := ReadResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if got.Action != ActionDisconnect {
		t.Fatalf("Action = %q, want disconnect", got.Action)
	}
}
