package serialize

import (
	"encoding/json"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

// JSONCodec is the text serializer (spec §4.1's "for interoperability").
// No third-party JSON library appears anywhere across the retrieval pack
// -- every repo that ships JSON uses encoding/json directly -- so this
// codec is the one deliberately stdlib-only piece of the serializer.
type JSONCodec struct{}

func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

func (c *JSONCodec) Tag() Tag { return JSON }

func (c *JSONCodec) Encode(value interface{}, ctx ServerContext) ([]byte, error) {
	w, err := toWire(value, ctx)
	if err != nil {
		return nil, err
	}
	w = bytesToBase64Envelopes(w)
	return json.Marshal(w)
}

func (c *JSONCodec) Decode(data []byte, ctx ServerContext, opts DecodeOptions) (interface{}, error) {
	var generic interface{}
	dec := json.NewDecoder(bytesReaderOf(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	generic = normalizeJSONNumbers(generic)
	generic = base64ToBytesEnvelopes(generic)
	return fromWire(generic, ctx, opts)
}

// bytesToBase64Envelopes walks a toWire()-produced structure and replaces
// any raw []byte (plain byte-string values, and the "data" field of an
// ndarray envelope) with a base64 string, since JSON has no native byte
// string type (spec §4.1: "in text formats the data field is base64").
func bytesToBase64Envelopes(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return map[string]interface{}{envelopeKey: tagBytes, "data": base64Encode(x)}
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			if k == "data" && x[envelopeKey] == tagNdarray {
				if b, ok := e.([]byte); ok {
					out[k] = base64Encode(b)
					continue
				}
			}
			out[k] = bytesToBase64Envelopes(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = bytesToBase64Envelopes(e)
		}
		return out
	default:
		return x
	}
}

// base64ToBytesEnvelopes is the decode-side inverse: it turns the "bytes"
// envelope back into a []byte, and base64-decodes an ndarray envelope's
// "data" field back into its raw buffer.
func base64ToBytesEnvelopes(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		if tag, ok := x[envelopeKey]; ok && tag == tagBytes {
			s, _ := x["data"].(string)
			b, err := base64Decode(s)
			if err != nil {
				return x
			}
			return b
		}
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			if k == "data" && x[envelopeKey] == tagNdarray {
				if s, ok := e.(string); ok {
					if b, err := base64Decode(s); err == nil {
						out[k] = b
						continue
					}
				}
			}
			out[k] = base64ToBytesEnvelopes(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = base64ToBytesEnvelopes(e)
		}
		return out
	default:
		return x
	}
}

// normalizeJSONNumbers converts the json.Number values produced by
// dec.UseNumber() into int64 (when the literal has no fraction/exponent)
// or float64 otherwise, so object/ref ids round-trip as integers instead
// of losing precision through float64 the way plain json.Unmarshal would.
func normalizeJSONNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case jsonNumber:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = normalizeJSONNumbers(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalizeJSONNumbers(e)
		}
		return out
	default:
		return x
	}
}

type jsonNumber = json.Number

var errBadBase64 = rpcerr.New(rpcerr.BadOptions, "malformed base64 byte-string envelope")
