// Package wire implements the request/response frame encoding of spec
// §6. Framing is a simple length-prefixed multipart message: a
// varint-encoded part count, then for each part a varint length followed
// by its bytes. The varint itself is modeled on the style of length
// prefixes used by the teacher's flow/conn message framing
// (runtime/internal/flow/conn/message_test.go's TestVarInt exercises the
// same uint64 varint idea); everything above the varint layer here is
// this module's own wire protocol, not the teacher's RPC wire format.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

// Action names (spec §4.4's action enum).
const (
	ActionCallObj    = "call_obj"
	ActionGetObj     = "get_obj"
	ActionGetItem    = "get_item"
	ActionSetItem    = "set_item"
	ActionDelete     = "delete"
	ActionImport     = "import"
	ActionPing       = "ping"
	ActionClose      = "close"
	ActionReturn     = "return"
	ActionDisconnect = "disconnect"
)

// RequestFrame is the wire shape from spec §6: req_id, action,
// return_type, serializer_tag, and the action-specific opts payload
// (already serialized by the chosen codec).
type RequestFrame struct {
	ReqID         int64
	Action        string
	ReturnType    string
	SerializerTag string
	Opts          []byte
}

// ResponseFrame mirrors spec §6's response mapping. HasError is false on
// success; RemoteErrType/RemoteErrTraceback carry a dispatch failure
// (spec §7's RemoteCallError payload). SerializerTag records which codec
// Rval was encoded with, since the server replies in whatever format the
// request used (spec §4.1 last bullet).
type ResponseFrame struct {
	Action           string
	ReqID            int64
	SerializerTag    string
	Rval             []byte
	HasError         bool
	RemoteErrType    string
	RemoteErrTraceback []string
}

func writeVarint(w *bufio.Writer, n uint64) error {
	var buf [binary.MaxVarintLen64]byte
	sz := binary.PutUvarint(buf[:], n)
	_, err := w.Write(buf[:sz])
	return err
}

func readVarint(r io.ByteReader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writePart(w *bufio.Writer, p []byte) error {
	if err := writeVarint(w, uint64(len(p))); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func readPart(r *bufio.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeParts(w *bufio.Writer, parts ...[]byte) error {
	if err := writeVarint(w, uint64(len(parts))); err != nil {
		return err
	}
	for _, p := range parts {
		if err := writePart(w, p); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readParts(r *bufio.Reader) ([][]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, n)
	for i := range parts {
		p, err := readPart(r)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return parts, nil
}

// WriteRequest writes a request frame to w.
func WriteRequest(w *bufio.Writer, f RequestFrame) error {
	return writeParts(w,
		[]byte(itoa(f.ReqID)),
		[]byte(f.Action),
		[]byte(f.ReturnType),
		[]byte(f.SerializerTag),
		f.Opts,
	)
}

// ReadRequest reads a request frame from r.
func ReadRequest(r *bufio.Reader) (RequestFrame, error) {
	parts, err := readParts(r)
	if err != nil {
		return RequestFrame{}, err
	}
	if len(parts) != 5 {
		return RequestFrame{}, rpcerr.New(rpcerr.BadAction, "request frame has %d parts, want 5", len(parts))
	}
	reqID, err := atoi(string(parts[0]))
	if err != nil {
		return RequestFrame{}, rpcerr.New(rpcerr.BadAction, "malformed req_id %q", parts[0])
	}
	return RequestFrame{
		ReqID:         reqID,
		Action:        string(parts[1]),
		ReturnType:    string(parts[2]),
		SerializerTag: string(parts[3]),
		Opts:          parts[4],
	}, nil
}

// WriteResponse writes a response or disconnect frame to w.
func WriteResponse(w *bufio.Writer, f ResponseFrame) error {
	errFlag := "0"
	if f.HasError {
		errFlag = "1"
	}
	typeName := []byte(f.RemoteErrType)
	traceback := []byte(joinLines(f.RemoteErrTraceback))
	return writeParts(w,
		[]byte(f.Action),
		[]byte(itoa(f.ReqID)),
		[]byte(f.SerializerTag),
		f.Rval,
		[]byte(errFlag),
		typeName,
		traceback,
	)
}

// ReadResponse reads a response or disconnect frame from r.
func ReadResponse(r *bufio.Reader) (ResponseFrame, error) {
	parts, err := readParts(r)
	if err != nil {
		return ResponseFrame{}, err
	}
	if len(parts) != 7 {
		return ResponseFrame{}, rpcerr.New(rpcerr.BadAction, "response frame has %d parts, want 7", len(parts))
	}
	reqID, _ := atoi(string(parts[1]))
	f := ResponseFrame{
		Action:        string(parts[0]),
		ReqID:         reqID,
		SerializerTag: string(parts[2]),
		HasError:      string(parts[4]) == "1",
		RemoteErrType: string(parts[5]),
	}
	if len(parts[3]) > 0 {
		f.Rval = parts[3]
	}
	if f.HasError {
		f.RemoteErrTraceback = splitLines(string(parts[6]))
	}
	return f, nil
}
